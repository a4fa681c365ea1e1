package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/util"
)

// Server is the management HTTP server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. token, when non-empty, is required as a
// bearer credential on every /v1 route.
func NewServer(listen, token string, svc *Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(svc.Logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	if token != "" {
		v1.Use(bearerAuth(token))
	}
	registerRoutes(v1, svc)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:              listen,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	want := "Bearer " + token
	return func(c *gin.Context) {
		got := c.GetHeader("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		c.Next()
	}
}

// requestLogger records each request, including mutating request bodies
// with credentials redacted.
func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Method != http.MethodGet && c.Request.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		start := time.Now()
		c.Next()
		if len(body) > 0 {
			log.Infof("%s %s %d %s body=%s", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), time.Since(start).Round(time.Millisecond),
				util.RedactSensitiveJSON(body))
		} else {
			log.Infof("%s %s %d %s", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), time.Since(start).Round(time.Millisecond))
		}
	}
}
