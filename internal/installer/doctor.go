package installer

import (
	"context"
	"time"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
)

// DependencyStatus reports one host tool an install method relies on.
type DependencyStatus struct {
	Name    string `json:"name"`
	Found   bool   `json:"found"`
	Version string `json:"version,omitempty"`
}

// Doctor checks which host tools are available, so the caller can offer
// only the install methods that will actually work.
func (ins *Installer) Doctor(ctx context.Context) []DependencyStatus {
	var out []DependencyStatus
	for _, tool := range []string{"node", "npm", "bun", "git"} {
		status := DependencyStatus{Name: tool}
		if _, err := ins.runner.LookPath(tool); err != nil {
			out = append(out, status)
			continue
		}
		res, err := ins.runner.Run(ctx, tool, []string{"--version"}, cmdexec.RunOptions{Timeout: 10 * time.Second})
		if err == nil && res.Success() {
			status.Found = true
			status.Version = cmdexec.FirstLine(res.Stdout)
		}
		out = append(out, status)
	}
	return out
}
