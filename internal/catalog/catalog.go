// Package catalog lists the models and skills the managed CLI knows
// about. Listing shells out to the CLI, which is slow, so results are
// cached for a short TTL and concurrent requests are collapsed into one
// CLI run.
package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
	apperr "github.com/clawdesk/clawdesk/internal/errors"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
	"github.com/clawdesk/clawdesk/internal/util"
)

const (
	cacheTTL      = 45 * time.Second
	modelsTimeout = 8 * time.Second
	skillsTimeout = 1600 * time.Millisecond
)

// Entry is one model or skill.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled,omitempty"`
}

type cached struct {
	at    time.Time
	items []Entry
}

type Catalog struct {
	store  *state.Store
	runner cmdexec.Runner
	res    *resolver.Resolver
	log    *logging.Logger

	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu     sync.Mutex
	models cached
	skills cached
}

func New(store *state.Store, runner cmdexec.Runner, res *resolver.Resolver, log *logging.Logger) *Catalog {
	return &Catalog{store: store, runner: runner, res: res, log: log, ttl: cacheTTL, now: time.Now}
}

// Models lists the available models, served from cache while fresh.
func (c *Catalog) Models(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, "models", &c.models, []string{"models", "list", "--json"}, modelsTimeout)
}

// Skills lists the installed skills.
func (c *Catalog) Skills(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, "skills", &c.skills, []string{"skills", "list", "--json"}, skillsTimeout)
}

// Invalidate drops both caches. Called when the app config changes under
// us, since enabling a skill or switching providers changes the lists.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = cached{}
	c.skills = cached{}
}

func (c *Catalog) list(ctx context.Context, kind string, slot *cached, args []string, timeout time.Duration) ([]Entry, error) {
	c.mu.Lock()
	if slot.items != nil && c.now().Sub(slot.at) < c.ttl {
		items := slot.items
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(kind, func() (any, error) {
		items, err := c.fetch(ctx, kind, args, timeout)
		if err != nil {
			if fb := c.fallback(kind); len(fb) > 0 {
				c.log.Warnf("%s list unavailable, serving fallback catalog: %v", kind, err)
				return fb, nil
			}
			return nil, err
		}
		c.mu.Lock()
		*slot = cached{at: c.now(), items: items}
		c.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (c *Catalog) fetch(ctx context.Context, kind string, args []string, timeout time.Duration) ([]Entry, error) {
	ledger, err := c.store.LoadInstallState()
	if err != nil {
		return nil, err
	}
	cmd, err := c.res.Resolve(ctx, ledger)
	if err != nil {
		return nil, err
	}
	name, argv := cmd.Argv(args...)
	out, err := c.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: timeout})
	if err := cmdexec.EnsureSuccess(kind+" list", out, err); err != nil {
		return nil, err
	}
	items, ok := parseEntries(out.Stdout, kind)
	if !ok {
		// some builds only support plain line output
		plain := append([]string{}, args[:len(args)-1]...)
		plain = append(plain, "--plain")
		name, argv = cmd.Argv(plain...)
		out, err = c.runner.Run(ctx, name, argv, cmdexec.RunOptions{Timeout: timeout})
		if err := cmdexec.EnsureSuccess(kind+" list --plain", out, err); err != nil {
			return nil, err
		}
		items = parsePlain(out.Stdout)
		if len(items) == 0 {
			return nil, apperr.Newf(apperr.CodeExternalCommand, "%s list produced no parseable output", kind)
		}
	}
	c.log.Infof("refreshed %s catalog (%d entries)", kind, len(items))
	return items, nil
}

// parseEntries accepts either a bare array or an object holding the array
// under the kind's key, with entries as strings or objects.
func parseEntries(stdout, key string) ([]Entry, bool) {
	doc, ok := util.ExtractJSON(stdout)
	if !ok {
		return nil, false
	}
	arr := doc
	if !doc.IsArray() {
		arr = doc.Get(key)
		if !arr.IsArray() {
			return nil, false
		}
	}
	items := []Entry{}
	for _, item := range arr.Array() {
		if item.Type == gjson.String {
			items = append(items, Entry{ID: item.String()})
			continue
		}
		e := Entry{
			ID:          item.Get("id").String(),
			Name:        item.Get("name").String(),
			Provider:    item.Get("provider").String(),
			Description: item.Get("description").String(),
			Enabled:     item.Get("enabled").Bool(),
		}
		if e.ID == "" {
			e.ID = item.Get("slug").String()
		}
		if e.ID == "" {
			continue
		}
		items = append(items, e)
	}
	return items, true
}

// parsePlain treats each non-empty line as a model or skill id.
func parsePlain(stdout string) []Entry {
	items := []Entry{}
	for _, line := range strings.Split(stdout, "\n") {
		id := strings.TrimSpace(line)
		if id == "" || strings.HasPrefix(id, "#") {
			continue
		}
		items = append(items, Entry{ID: id})
	}
	return items
}

// staticModels is the last-resort model catalog served when the CLI is
// unreachable and nothing is configured yet.
var staticModels = []Entry{
	{ID: "anthropic/claude-3-5-sonnet", Provider: "anthropic"},
	{ID: "openai/gpt-4o", Provider: "openai"},
	{ID: "google/gemini-1.5-pro", Provider: "gemini"},
	{ID: "moonshot/kimi-k2", Provider: "moonshot"},
}

// fallback builds a catalog from the recorded configuration, padded with
// the static list for models. Configured entries come first.
func (c *Catalog) fallback(kind string) []Entry {
	last, err := c.store.LoadLastConfig()
	if err != nil {
		last = nil
	}
	items := []Entry{}
	seen := map[string]bool{}
	add := func(e Entry) {
		if e.ID == "" || seen[e.ID] {
			return
		}
		seen[e.ID] = true
		items = append(items, e)
	}
	switch kind {
	case "models":
		if last != nil {
			add(Entry{ID: last.Models.Primary})
			for _, id := range last.Models.Fallbacks {
				add(Entry{ID: id})
			}
		}
		for _, e := range staticModels {
			add(e)
		}
	case "skills":
		if last != nil {
			for _, id := range last.Skills {
				add(Entry{ID: id, Enabled: true})
			}
		}
	}
	return items
}
