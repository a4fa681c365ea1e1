// Package appconfig reads the managed CLI's own configuration file
// (openclaw.json) and merges it with the orchestrator's records into the
// effective gateway settings.
package appconfig

import (
	"errors"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"

	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/state"
)

const (
	DefaultPort  = 28789
	BindLoopback = "loopback"
	BindLAN      = "lan"
)

// Gateway is the resolved listen configuration for the managed gateway.
type Gateway struct {
	Port     int    `json:"port"`
	Bind     string `json:"bind"`
	AuthMode string `json:"auth_mode,omitempty"`
	Token    string `json:"-"`
}

// BindAddr maps the symbolic bind mode to a listen address.
func (g Gateway) BindAddr() string {
	if g.Bind == BindLAN {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// ProbeHost is the address health checks connect to. A LAN bind still
// answers on loopback.
func (g Gateway) ProbeHost() string { return "127.0.0.1" }

type Reader struct {
	layout paths.Layout
	store  *state.Store
}

func New(layout paths.Layout, store *state.Store) *Reader {
	return &Reader{layout: layout, store: store}
}

// EffectiveGateway resolves the gateway settings, preferring the live
// config file, then the last applied configuration, then defaults. A
// missing or unparseable config file is not an error; the fallbacks cover
// it.
func (r *Reader) EffectiveGateway() (Gateway, error) {
	gw := Gateway{Port: DefaultPort, Bind: BindLoopback}

	last, err := r.store.LoadLastConfig()
	if err != nil {
		return gw, err
	}
	if last != nil {
		if last.GatewayPort > 0 {
			gw.Port = last.GatewayPort
		}
		if last.GatewayBind != "" {
			gw.Bind = last.GatewayBind
		}
		gw.AuthMode = last.AuthMode
		gw.Token = last.GatewayToken
	}

	raw, err := os.ReadFile(r.layout.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return gw, nil
	}
	if err != nil {
		return gw, err
	}
	doc := string(raw)
	if !gjson.Valid(doc) {
		return gw, nil
	}
	if v := gjson.Get(doc, "gateway.port"); v.Exists() && v.Int() > 0 {
		gw.Port = int(v.Int())
	}
	if v := gjson.Get(doc, "gateway.bind"); v.Exists() && v.String() != "" {
		gw.Bind = v.String()
	}
	if v := gjson.Get(doc, "gateway.auth.mode"); v.Exists() {
		gw.AuthMode = v.String()
	}
	if v := gjson.Get(doc, "gateway.auth.token"); v.Exists() && v.String() != "" {
		gw.Token = v.String()
	}
	return gw, nil
}

// ConfiguredModel returns the primary model from the live config file,
// or "" when unset.
func (r *Reader) ConfiguredModel() string {
	raw, err := os.ReadFile(r.layout.ConfigPath())
	if err != nil {
		return ""
	}
	return gjson.GetBytes(raw, "agent.model").String()
}

// Current is the merged view handed to front ends: gateway settings, the
// active model, and which provider credentials exist (never their values).
type Current struct {
	Gateway        Gateway  `json:"gateway"`
	Model          string   `json:"model,omitempty"`
	CredentialKeys []string `json:"credential_keys,omitempty"`
}

func (r *Reader) Current() (Current, error) {
	gw, err := r.EffectiveGateway()
	if err != nil {
		return Current{}, err
	}
	cur := Current{Gateway: gw, Model: r.ConfiguredModel()}
	values, err := r.EnvValues()
	if err != nil {
		return Current{}, err
	}
	for key := range values {
		cur.CredentialKeys = append(cur.CredentialKeys, key)
	}
	sort.Strings(cur.CredentialKeys)
	return cur, nil
}

// EnvValues parses the managed app's .env file. A missing file yields an
// empty map.
func (r *Reader) EnvValues() (map[string]string, error) {
	values, err := godotenv.Read(r.layout.EnvPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return values, nil
}
