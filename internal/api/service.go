// Package api exposes the orchestrator over a local HTTP management API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clawdesk/clawdesk/internal/appconfig"
	"github.com/clawdesk/clawdesk/internal/backup"
	"github.com/clawdesk/clawdesk/internal/catalog"
	"github.com/clawdesk/clawdesk/internal/configure"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/installer"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/process"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/upgrade"
)

// Service bundles the components the handlers operate on.
type Service struct {
	Layout     paths.Layout
	Store      *state.Store
	Logger     *logging.Logger
	AppConfig  *appconfig.Reader
	Installer  *installer.Installer
	Supervisor *process.Supervisor
	Backups    *backup.Engine
	Applier    *configure.Applier
	Upgrader   *upgrade.Coordinator
	Catalog    *catalog.Catalog
}

// writeError maps a typed error onto an HTTP status. Everything crossing
// the API boundary is a plain message; stack internals stay in the log.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeLockConflict:
		status = http.StatusConflict
	case apperr.CodeNotInstalled:
		status = http.StatusNotFound
	case apperr.CodeCorruptedArchive:
		status = http.StatusUnprocessableEntity
	case apperr.CodeTransientNetwork, apperr.CodeExternalCommand:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
