package cmdexec

import "strings"

var sensitiveFlags = map[string]struct{}{
	"--gateway-token": {},
	"--token":         {},
	"--api-key":       {},
	"--password":      {},
	"--secret":        {},
}

// MaskArgs returns a copy of args safe for logging: values following
// credential flags, and inline flag=value forms, are replaced.
func MaskArgs(args []string) []string {
	masked := make([]string, len(args))
	hideNext := false
	for i, arg := range args {
		if hideNext {
			masked[i] = "***"
			hideNext = false
			continue
		}
		if _, ok := sensitiveFlags[arg]; ok {
			masked[i] = arg
			hideNext = true
			continue
		}
		if flag, _, ok := strings.Cut(arg, "="); ok {
			if _, sensitive := sensitiveFlags[flag]; sensitive {
				masked[i] = flag + "=***"
				continue
			}
		}
		masked[i] = arg
	}
	return masked
}

// MaskEnv hides values of credential-bearing environment entries
// ("KEY=value" form) before they are logged.
func MaskEnv(env []string) []string {
	masked := make([]string, len(env))
	for i, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		upper := strings.ToUpper(key)
		if ok && (strings.Contains(upper, "TOKEN") || strings.Contains(upper, "KEY") ||
			strings.Contains(upper, "SECRET") || strings.Contains(upper, "PASSWORD")) {
			masked[i] = key + "=***"
			continue
		}
		masked[i] = entry
	}
	return masked
}
