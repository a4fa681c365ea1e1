package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clawdesk/clawdesk/internal/backup"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/installer"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/upgrade"
)

func registerRoutes(r *gin.RouterGroup, svc *Service) {
	r.GET("/status", statusHandler(svc))
	r.POST("/process/start", startHandler(svc))
	r.POST("/process/stop", stopHandler(svc))
	r.POST("/process/end", endHandler(svc))
	r.POST("/process/restart", restartHandler(svc))
	r.GET("/port", portInspectHandler(svc))
	r.POST("/port/release", portReleaseHandler(svc))

	r.GET("/install", installStateHandler(svc))
	r.POST("/install", installHandler(svc))
	r.DELETE("/install", uninstallHandler(svc))
	r.GET("/install/lock", lockInfoHandler(svc))
	r.GET("/doctor", doctorHandler(svc))
	r.POST("/upgrade", upgradeHandler(svc))

	r.GET("/config", currentConfigHandler(svc))
	r.POST("/config/apply", applyConfigHandler(svc))
	r.POST("/config/model", switchModelHandler(svc))
	r.POST("/config/provider-key", providerKeyHandler(svc))
	r.POST("/config/telegram/pair", telegramPairHandler(svc))
	r.POST("/config/telegram/approve", telegramApproveHandler(svc))
	r.POST("/maintenance/cache/clear", clearCacheHandler(svc))
	r.POST("/maintenance/sessions/clear", clearSessionsHandler(svc))

	r.GET("/backups", listBackupsHandler(svc))
	r.POST("/backups", createBackupHandler(svc))
	r.POST("/backups/:id/restore", restoreBackupHandler(svc))
	r.DELETE("/backups/:id", deleteBackupHandler(svc))

	r.GET("/catalog/models", modelsHandler(svc))
	r.GET("/catalog/skills", skillsHandler(svc))

	r.GET("/logs", listLogsHandler(svc))
	r.GET("/logs/:name", readLogHandler(svc))
}

func statusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Supervisor.Poll(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		ledger, err := svc.Store.LoadInstallState()
		if err != nil {
			writeError(c, err)
			return
		}
		resp := gin.H{"process": st, "installed": ledger != nil}
		if ledger != nil {
			resp["install"] = ledger
		}
		c.JSON(http.StatusOK, resp)
	}
}

func startHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Supervisor.Start(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"process": st})
	}
}

func stopHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Supervisor.Stop(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	}
}

// endHandler stops the gateway and clears the keep-running preference,
// while a plain stop leaves the watchdog armed.
func endHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Supervisor.End(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	}
}

func restartHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Supervisor.Restart(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"process": st})
	}
}

func portInspectHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := svc.Supervisor.InspectPort(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func portReleaseHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Supervisor.ReleasePort(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "released"})
	}
}

func installStateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ledger, err := svc.Store.LoadInstallState()
		if err != nil {
			writeError(c, err)
			return
		}
		if ledger == nil {
			writeError(c, apperr.New(apperr.CodeNotInstalled, "not installed", nil))
			return
		}
		c.JSON(http.StatusOK, gin.H{"install": ledger})
	}
}

type installRequest struct {
	Method     string   `json:"method" binding:"required"`
	Source     string   `json:"source"`
	InstallDir string   `json:"install_dir"`
	LaunchArgs []string `json:"launch_args"`
}

func installHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req installRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		st, err := svc.Installer.Install(c.Request.Context(), installer.Options{
			Method:     state.SourceMethod(req.Method),
			Source:     req.Source,
			InstallDir: req.InstallDir,
			LaunchArgs: req.LaunchArgs,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"install": st})
	}
}

func uninstallHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		purge := c.Query("purge") == "true"
		if err := svc.Supervisor.End(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		warnings, err := svc.Installer.Uninstall(purge)
		if err != nil {
			writeError(c, err)
			return
		}
		if warnings == nil {
			warnings = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"status": "uninstalled", "purged": purge, "warnings": warnings})
	}
}

func doctorHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"dependencies": svc.Installer.Doctor(c.Request.Context())})
	}
}

func upgradeHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Source string `json:"source"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		res, err := svc.Upgrader.Upgrade(c.Request.Context(), upgrade.Options{Source: req.Source})
		if err != nil {
			status := http.StatusBadGateway
			if apperr.IsCode(err, apperr.CodeNotInstalled) {
				status = http.StatusNotFound
			}
			payload := gin.H{"error": err.Error()}
			if res != nil {
				payload["result"] = res
			}
			c.JSON(status, payload)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

func applyConfigHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input state.ConfigInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.Applier.Apply(c.Request.Context(), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

func switchModelHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var chain state.ModelChain
		if err := c.ShouldBindJSON(&chain); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Applier.SwitchModel(chain); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"model": chain.Primary})
	}
}

func providerKeyHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Provider string `json:"provider" binding:"required"`
			Key      string `json:"key"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Applier.UpdateProviderAPIKey(req.Provider, req.Key); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

func currentConfigHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, err := svc.AppConfig.Current()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"config": cur})
	}
}

func telegramPairHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info, err := svc.Applier.SetupTelegramPair(c.Request.Context(), req.Token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pairing": info})
	}
}

func telegramApproveHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Code string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Applier.ApproveTelegramPair(c.Request.Context(), req.Code); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "approved"})
	}
}

func lockInfoHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"lock": svc.Installer.LockInfo()})
	}
}

func clearCacheHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Applier.ClearCache(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	}
}

func clearSessionsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Applier.ClearSessions(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	}
}

func listBackupsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.Backups.List()
		if err != nil {
			writeError(c, err)
			return
		}
		if list == nil {
			list = []backup.Info{}
		}
		c.JSON(http.StatusOK, gin.H{"backups": list})
	}
}

func createBackupHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Prefix string `json:"prefix"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		info, err := svc.Backups.Create(req.Prefix)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"backup": info})
	}
}

func restoreBackupHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Backups.Restore(c.Param("id"), backup.RestoreOptions{}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "restored"})
	}
}

func deleteBackupHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Backups.Delete(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func modelsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		models, err := svc.Catalog.Models(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": models})
	}
}

func skillsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		skills, err := svc.Catalog.Skills(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"skills": skills})
	}
}

func listLogsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := logging.List(svc.Layout.LogsDir())
		if err != nil {
			writeError(c, err)
			return
		}
		if logs == nil {
			logs = []logging.Summary{}
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	}
}

func readLogHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		lines := 200
		if raw := c.Query("lines"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
				return
			}
			lines = n
		}
		content, err := logging.Read(svc.Layout.LogsDir(), c.Param("name"), lines)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "content": content})
	}
}
