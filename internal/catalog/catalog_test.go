package catalog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdesk/clawdesk/internal/cmdexec"
	"github.com/clawdesk/clawdesk/internal/logging"
	"github.com/clawdesk/clawdesk/internal/paths"
	"github.com/clawdesk/clawdesk/internal/resolver"
	"github.com/clawdesk/clawdesk/internal/state"
)

func testCatalog(t *testing.T) (*Catalog, *cmdexec.Fake, paths.Layout) {
	t.Helper()
	layout := paths.Layout{DataRoot: t.TempDir(), AppHome: t.TempDir()}
	fake := cmdexec.NewFake()
	fake.Respond("openclaw --version", cmdexec.Output{Stdout: "2.0.0"}, nil)
	c := New(state.NewStore(layout), fake, resolver.New(fake, logging.Discard()), logging.Discard())
	return c, fake, layout
}

func TestModelsParsesAndCaches(t *testing.T) {
	c, fake, _ := testCatalog(t)
	fake.Respond("openclaw models list --json",
		cmdexec.Output{Stdout: "fetching...\n{\"models\":[{\"id\":\"gpt-5\",\"provider\":\"openai\"},{\"id\":\"claude-4\"}]}"}, nil)

	models, err := c.Models(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-5", models[0].ID)
	assert.Equal(t, "openai", models[0].Provider)

	_, err = c.Models(t.Context())
	require.NoError(t, err)
	listCalls := 0
	for _, call := range fake.CallsFor("openclaw") {
		if len(call.Args) > 0 && call.Args[0] == "models" {
			listCalls++
		}
	}
	assert.Equal(t, 1, listCalls, "second call within the TTL is served from cache")
}

func TestCacheExpires(t *testing.T) {
	c, fake, _ := testCatalog(t)
	fake.Respond("openclaw models list --json", cmdexec.Output{Stdout: `["m1"]`}, nil)
	clock := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	_, err := c.Models(t.Context())
	require.NoError(t, err)
	clock = clock.Add(cacheTTL + time.Second)
	_, err = c.Models(t.Context())
	require.NoError(t, err)

	listCalls := 0
	for _, call := range fake.CallsFor("openclaw") {
		if len(call.Args) > 0 && call.Args[0] == "models" {
			listCalls++
		}
	}
	assert.Equal(t, 2, listCalls)
}

func TestInvalidateDropsCache(t *testing.T) {
	c, fake, _ := testCatalog(t)
	fake.Respond("openclaw skills list --json",
		cmdexec.Output{Stdout: `{"skills":[{"id":"web-search","enabled":true}]}`}, nil)

	skills, err := c.Skills(t.Context())
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.True(t, skills[0].Enabled)

	c.Invalidate()
	_, err = c.Skills(t.Context())
	require.NoError(t, err)

	listCalls := 0
	for _, call := range fake.CallsFor("openclaw") {
		if len(call.Args) > 0 && call.Args[0] == "skills" {
			listCalls++
		}
	}
	assert.Equal(t, 2, listCalls)
}

func TestModelsFallbackWhenCLIFails(t *testing.T) {
	c, fake, layout := testCatalog(t)
	fake.Respond("openclaw models list --json", cmdexec.Output{ExitCode: 1, Stderr: "boom"}, nil)

	store := state.NewStore(layout)
	require.NoError(t, store.SaveLastConfig(&state.ConfigInput{
		Models: state.ModelChain{Primary: "my-model", Fallbacks: []string{"backup-model"}},
	}))

	models, err := c.Models(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, models)
	assert.Equal(t, "my-model", models[0].ID, "configured chain outranks the static list")
	assert.Equal(t, "backup-model", models[1].ID)

	// a fallback answer is not cached; the next call hits the CLI again
	fake.Respond("openclaw models list --json", cmdexec.Output{Stdout: `["fresh"]`}, nil)
	models, err = c.Models(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []Entry{{ID: "fresh"}}, models)
}

func TestSkillsFailureWithoutConfigErrors(t *testing.T) {
	c, fake, _ := testCatalog(t)
	fake.Respond("openclaw skills list --json", cmdexec.Output{ExitCode: 1, Stderr: "boom"}, nil)

	_, err := c.Skills(t.Context())
	require.Error(t, err)
}

func TestPlainFallbackParse(t *testing.T) {
	c, fake, _ := testCatalog(t)
	fake.Respond("openclaw models list --json", cmdexec.Output{Stdout: "models listing follows\nno json here"}, nil)
	fake.Respond("openclaw models list --plain", cmdexec.Output{Stdout: "m1\n\n# comment\nm2\n"}, nil)

	models, err := c.Models(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []Entry{{ID: "m1"}, {ID: "m2"}}, models)
}

func TestParseEntriesShapes(t *testing.T) {
	items, ok := parseEntries(`["a","b"]`, "models")
	require.True(t, ok)
	assert.Equal(t, []Entry{{ID: "a"}, {ID: "b"}}, items)

	items, ok = parseEntries(`{"skills":[{"slug":"search","description":"d"}]}`, "skills")
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "search", items[0].ID)

	_, ok = parseEntries("not json", "models")
	assert.False(t, ok)

	_, ok = parseEntries(`{"other":1}`, "models")
	assert.False(t, ok)
}

func TestWatchInvalidatesOnConfigChange(t *testing.T) {
	c, fake, layout := testCatalog(t)
	fake.Respond("openclaw models list --json", cmdexec.Output{Stdout: `["m1"]`}, nil)

	require.NoError(t, c.Watch(t.Context(), layout, logging.Discard()))

	_, err := c.Models(t.Context())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(layout.ConfigPath(), []byte(`{"agent":{"model":"x"}}`), 0o600))
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.models.items == nil
	}, 2*time.Second, 10*time.Millisecond, "watcher should drop the cache")
}
