// Package configure drives the managed CLI's onboarding and keeps its
// credential and model settings in sync with what the user asked for.
package configure

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/util"
)

const onboardTimeout = 10 * time.Minute

// retrySignatures map a failure fingerprint in onboard output to the
// adjustment worth exactly one more attempt. Anything not listed fails
// immediately; retrying blind would just repeat the failure.
type retrySignature struct {
	match  string
	reason string
	adjust func([]string) []string
}

var retrySignatures = []retrySignature{
	{
		match:  "gateway closed (1006)",
		reason: "gateway websocket closed during onboarding, retrying with the minimal profile",
		adjust: safeProfile,
	},
	{
		match:  "unknown channel",
		reason: "channel plugin missing, retrying with channels skipped",
		adjust: skipChannels,
	},
}

// Result reports a completed apply.
type Result struct {
	Output     string `json:"output,omitempty"`
	GatewayURL string `json:"gateway_url,omitempty"`
	Retried    bool   `json:"retried,omitempty"`
	RetryNote  string `json:"retry_note,omitempty"`
}

type Applier struct {
	layout paths.Layout
	store  *state.Store
	runner cmdexec.Runner
	res    *resolver.Resolver
	log    *logging.Logger
	now    func() time.Time
}

func NewApplier(layout paths.Layout, store *state.Store, runner cmdexec.Runner, res *resolver.Resolver, log *logging.Logger) *Applier {
	return &Applier{layout: layout, store: store, runner: runner, res: res, log: log, now: time.Now}
}

// Apply validates the desired configuration, runs the CLI's onboarding
// with it, and records the applied configuration only after everything
// succeeded.
func (a *Applier) Apply(ctx context.Context, input state.ConfigInput) (*Result, error) {
	if err := a.normalize(&input); err != nil {
		return nil, err
	}
	if err := a.writeCredentials(input); err != nil {
		return nil, err
	}

	ledger, err := a.store.LoadInstallState()
	if err != nil {
		return nil, err
	}
	cmd, err := a.res.Resolve(ctx, ledger)
	if err != nil {
		return nil, err
	}

	args := onboardArgs(input)
	out, runErr := a.runOnboard(ctx, cmd, args)
	res := &Result{}
	if failure := onboardFailure(out, runErr); failure != "" {
		sig, ok := matchRetrySignature(failure)
		if !ok {
			return nil, apperr.New(apperr.CodeExternalCommand, "onboarding failed: "+cmdexec.CompactText(failure, 400), runErr)
		}
		a.log.Warnf("%s", sig.reason)
		out, runErr = a.runOnboard(ctx, cmd, sig.adjust(args))
		if failure := onboardFailure(out, runErr); failure != "" {
			return nil, apperr.New(apperr.CodeExternalCommand, "onboarding failed after retry: "+cmdexec.CompactText(failure, 400), runErr)
		}
		res.Retried = true
		res.RetryNote = sig.reason
	}

	res.Output = cmdexec.CompactText(out.Stdout, 1000)
	if doc, ok := util.ExtractJSON(out.Stdout); ok {
		res.GatewayURL = doc.Get("gateway.url").String()
	}

	if err := a.applyModelChain(input.Models); err != nil {
		return nil, err
	}
	if err := a.applySkills(input.Skills); err != nil {
		return nil, err
	}
	if err := a.applyChannels(input.Channels); err != nil {
		return nil, err
	}

	input.AppliedAt = a.now().UTC()
	if err := a.store.SaveLastConfig(&input); err != nil {
		return nil, err
	}
	a.log.Infof("configuration applied (provider=%s model=%s port=%d)", input.Provider, input.Models.Primary, input.GatewayPort)
	return res, nil
}

func (a *Applier) runOnboard(ctx context.Context, cmd *resolver.Resolved, args []string) (cmdexec.Output, error) {
	name, argv := cmd.Argv(args...)
	a.log.Infof("running onboarding: %s %v", name, cmdexec.MaskArgs(argv))
	return a.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: onboardTimeout})
}

// onboardFailure returns the failure text, or "" on success.
func onboardFailure(out cmdexec.Output, err error) string {
	if err != nil {
		return err.Error()
	}
	if out.Success() {
		return ""
	}
	if out.Stderr != "" {
		return out.Stderr
	}
	return out.Stdout
}

func matchRetrySignature(failure string) (retrySignature, bool) {
	lower := strings.ToLower(failure)
	for _, sig := range retrySignatures {
		if strings.Contains(lower, sig.match) {
			return sig, true
		}
	}
	return retrySignature{}, false
}

func (a *Applier) normalize(input *state.ConfigInput) error {
	input.Provider = CanonicalProvider(input.Provider)
	if input.Mode == "" {
		input.Mode = "local"
	}
	if input.Flow == "" {
		input.Flow = "quickstart"
	}
	switch input.Flow {
	case "quickstart", "manual", "advanced":
	default:
		return apperr.Newf(apperr.CodeValidation, "unknown flow %q", input.Flow)
	}
	if input.GatewayPort == 0 {
		input.GatewayPort = 28789
	}
	if input.GatewayPort < 1 || input.GatewayPort > 65535 {
		return apperr.Newf(apperr.CodeValidation, "gateway port %d out of range", input.GatewayPort)
	}
	if input.GatewayBind == "" {
		input.GatewayBind = "loopback"
	}
	if input.GatewayBind != "loopback" && input.GatewayBind != "lan" {
		return apperr.Newf(apperr.CodeValidation, "gateway bind must be loopback or lan, got %q", input.GatewayBind)
	}
	if input.AuthMode == "" {
		input.AuthMode = "token"
	}
	if input.AuthMode == "token" && input.GatewayToken == "" {
		// keep the token clients already hold when one exists
		if raw, err := os.ReadFile(a.layout.ConfigPath()); err == nil {
			input.GatewayToken = gjson.GetBytes(raw, "gateway.auth.token").String()
		}
		if input.GatewayToken == "" {
			input.GatewayToken = uuid.NewString()
		}
	}
	if input.KimiRegion != "" && input.KimiRegion != "cn" && input.KimiRegion != "intl" {
		return apperr.Newf(apperr.CodeValidation, "kimi region must be cn or intl, got %q", input.KimiRegion)
	}
	if input.Workspace != "" {
		ws, err := paths.Normalize(input.Workspace)
		if err != nil {
			return apperr.New(apperr.CodeValidation, "invalid workspace path", err)
		}
		input.Workspace = ws
	}
	return nil
}

func (a *Applier) writeCredentials(input state.ConfigInput) error {
	if err := os.MkdirAll(a.layout.AppHome, 0o755); err != nil {
		return err
	}
	envPath := a.layout.EnvPath()
	if input.Provider != "" && input.APIKey != "" {
		if err := upsertEnvLine(envPath, ProviderEnvKey(input.Provider), input.APIKey); err != nil {
			return err
		}
	}
	if input.KimiRegion != "" {
		if err := upsertEnvLine(envPath, "KIMI_REGION", input.KimiRegion); err != nil {
			return err
		}
	}
	return nil
}

func onboardArgs(input state.ConfigInput) []string {
	args := []string{
		"onboard",
		"--non-interactive",
		"--accept-risk",
		"--flow", input.Flow,
		"--mode", input.Mode,
		"--gateway-port", strconv.Itoa(input.GatewayPort),
		"--gateway-bind", input.GatewayBind,
	}
	if input.SkipUI {
		args = append(args, "--skip-ui")
	}
	if input.AuthMode == "token" {
		args = append(args, "--gateway-auth", "token", "--gateway-token", input.GatewayToken)
	} else {
		args = append(args, "--gateway-auth", "none")
	}
	if input.Provider != "" {
		args = append(args, "--auth-choice", input.Provider+"-api-key")
	}
	if input.Workspace != "" {
		args = append(args, "--workspace", input.Workspace)
	}
	if input.NodeManager != "" {
		args = append(args, "--node-manager", input.NodeManager)
	}
	if !input.InstallDaemon {
		args = append(args, "--no-install-daemon")
	}
	if input.Channels.TelegramToken != "" {
		args = append(args, "--telegram-token", input.Channels.TelegramToken)
	}
	return args
}

// safeProfile rewrites the args into the minimal onboarding: manual flow
// with every optional subsystem skipped.
func safeProfile(args []string) []string {
	out := make([]string, 0, len(args))
	skipValue := false
	for _, arg := range args {
		if skipValue {
			out = append(out, "manual")
			skipValue = false
			continue
		}
		if arg == "--flow" {
			out = append(out, arg)
			skipValue = true
			continue
		}
		out = append(out, arg)
	}
	for _, extra := range []string{"--no-install-daemon", "--skip-health", "--skip-channels", "--skip-skills"} {
		if !contains(out, extra) {
			out = append(out, extra)
		}
	}
	return out
}

// skipChannels drops channel wiring from the args and skips the channel
// step.
func skipChannels(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--telegram-token" {
			i++ // swallow the value too
			continue
		}
		out = append(out, args[i])
	}
	if !contains(out, "--skip-channels") {
		out = append(out, "--skip-channels")
	}
	return out
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func (a *Applier) applyModelChain(chain state.ModelChain) error {
	if chain.Primary == "" {
		return nil
	}
	return a.editAppConfig(func(doc string) (string, error) {
		doc, err := sjson.Set(doc, "agent.model", chain.Primary)
		if err != nil {
			return "", err
		}
		if len(chain.Fallbacks) == 0 {
			return sjson.Delete(doc, "agent.fallbacks")
		}
		return sjson.Set(doc, "agent.fallbacks", chain.Fallbacks)
	})
}

func (a *Applier) applySkills(skills []string) error {
	if skills == nil {
		return nil
	}
	return a.editAppConfig(func(doc string) (string, error) {
		return sjson.Set(doc, "skills.enabled", skills)
	})
}

func (a *Applier) applyChannels(ch state.ChannelSettings) error {
	if ch.TelegramToken == "" && ch.FeishuAppID == "" {
		return nil
	}
	return a.editAppConfig(func(doc string) (string, error) {
		var err error
		if ch.TelegramToken != "" {
			if doc, err = sjson.Set(doc, "channels.telegram.token", ch.TelegramToken); err != nil {
				return "", err
			}
		}
		if ch.FeishuAppID != "" {
			if doc, err = sjson.Set(doc, "channels.feishu.app_id", ch.FeishuAppID); err != nil {
				return "", err
			}
			if doc, err = sjson.Set(doc, "channels.feishu.secret", ch.FeishuSecret); err != nil {
				return "", err
			}
		}
		return doc, nil
	})
}

// editAppConfig rewrites openclaw.json through the edit function,
// starting from "{}" when the file does not exist yet.
func (a *Applier) editAppConfig(edit func(string) (string, error)) error {
	path := a.layout.ConfigPath()
	doc := "{}"
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		doc = string(data)
	}
	updated, err := edit(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SwitchModel updates the model chain in the live config and in the
// recorded configuration without a full onboarding run.
func (a *Applier) SwitchModel(chain state.ModelChain) error {
	if chain.Primary == "" {
		return apperr.New(apperr.CodeValidation, "primary model must not be empty", nil)
	}
	if err := a.applyModelChain(chain); err != nil {
		return err
	}
	last, err := a.store.LoadLastConfig()
	if err != nil {
		return err
	}
	if last == nil {
		last = &state.ConfigInput{}
	}
	last.Models = chain
	last.AppliedAt = a.now().UTC()
	return a.store.SaveLastConfig(last)
}

// UpdateProviderAPIKey rotates the credential for a provider in the .env
// file. An empty key removes the entry.
func (a *Applier) UpdateProviderAPIKey(provider, key string) error {
	if provider == "" {
		return apperr.New(apperr.CodeValidation, "provider must not be empty", nil)
	}
	if err := os.MkdirAll(a.layout.AppHome, 0o755); err != nil {
		return err
	}
	envKey := ProviderEnvKey(provider)
	if key == "" {
		return removeEnvLine(a.layout.EnvPath(), envKey)
	}
	return upsertEnvLine(a.layout.EnvPath(), envKey, key)
}

// PairingInfo is what the CLI prints when a telegram pairing starts.
type PairingInfo struct {
	Code string `json:"code,omitempty"`
	URL  string `json:"url,omitempty"`
	Raw  string `json:"raw,omitempty"`
}

// SetupTelegramPair stores the bot token and asks the CLI to begin
// pairing, returning the code the user completes in telegram.
func (a *Applier) SetupTelegramPair(ctx context.Context, token string) (*PairingInfo, error) {
	if token == "" {
		return nil, apperr.New(apperr.CodeValidation, "telegram bot token must not be empty", nil)
	}
	if err := a.applyChannels(state.ChannelSettings{TelegramToken: token}); err != nil {
		return nil, err
	}
	ledger, err := a.store.LoadInstallState()
	if err != nil {
		return nil, err
	}
	cmd, err := a.res.Resolve(ctx, ledger)
	if err != nil {
		return nil, err
	}
	name, argv := cmd.Argv("channels", "pair", "telegram")
	out, err := a.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: 2 * time.Minute})
	if failure := onboardFailure(out, err); failure != "" {
		return nil, apperr.New(apperr.CodeExternalCommand, "telegram pairing failed: "+cmdexec.CompactText(failure, 300), err)
	}
	info := &PairingInfo{Raw: cmdexec.CompactText(out.Stdout, 400)}
	if doc, ok := util.ExtractJSON(out.Stdout); ok {
		info.Code = doc.Get("pairing.code").String()
		info.URL = doc.Get("pairing.url").String()
	}
	return info, nil
}

// ApproveTelegramPair completes a pairing started earlier. Older builds
// only know the legacy `pairing approve` form, so an unknown-command
// failure falls through to it once.
func (a *Applier) ApproveTelegramPair(ctx context.Context, code string) error {
	if code == "" {
		return apperr.New(apperr.CodeValidation, "pairing code must not be empty", nil)
	}
	ledger, err := a.store.LoadInstallState()
	if err != nil {
		return err
	}
	cmd, err := a.res.Resolve(ctx, ledger)
	if err != nil {
		return err
	}
	name, argv := cmd.Argv("channels", "pair", "approve", code)
	out, err := a.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: 2 * time.Minute})
	failure := onboardFailure(out, err)
	if failure == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(failure), "unknown command") {
		a.log.Warnf("channels pair approve not supported, trying legacy pairing command")
		name, argv = cmd.Argv("pairing", "approve", code)
		out, err = a.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: 2 * time.Minute})
		failure = onboardFailure(out, err)
		if failure == "" {
			return nil
		}
	}
	return apperr.New(apperr.CodeExternalCommand, "pairing approve failed: "+cmdexec.CompactText(failure, 300), err)
}

// ClearCache empties the managed app's cache directory, leaving it in
// place so the gateway does not have to recreate it.
func (a *Applier) ClearCache() error {
	return resetDirs(a.layout.AppHome, "cache")
}

// ClearSessions wipes stored conversation sessions together with the
// agent memory that references them.
func (a *Applier) ClearSessions() error {
	return resetDirs(a.layout.AppHome, "sessions", "memory")
}

func resetDirs(root string, names ...string) error {
	for _, name := range names {
		dir := filepath.Join(root, name)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
