package cli_test

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/cli"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/store/memstore"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	app    *cli.App
	store  *memstore.Store
	corpus *corpus.MemoryStore
	closed int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memstore.New()
	cs := corpus.NewMemoryStore()
	client := fetch.NewHTTPClient(time.Second)
	registry := fetch.NewRegistry(
		fetch.NewDocsFetcher(client, nil, 1),
		fetch.NewNPMFetcher(client, "http://127.0.0.1:1", 1),
	)
	bus := notify.NewLocalBus(0)
	t.Cleanup(func() { bus.Close() })

	e := &testEnv{store: st, corpus: cs}
	e.app = &cli.App{
		Store:    st,
		Corpus:   cs,
		Registry: registry,
		Manager:  jobs.NewManager(st, bus, registry, config.JobsConfig{MaxRetries: 2, TTL: time.Hour}),
		Close:    func() { e.closed++ },
	}
	return e
}

func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCmd(func(context.Context) (*cli.App, error) { return e.app, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var (
	rawKeyPattern = regexp.MustCompile(`Key: (cf_[0-9a-f]{64})`)
	jobIDPattern  = regexp.MustCompile(`job ([0-9a-f-]{36})`)
)

func TestAPIKey_CreateListRevoke(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "", "apikey", "create", "--owner", "team-a", "--name", "ci",
		"--scope", "read", "--scope", "admin")
	require.NoError(t, err)
	m := rawKeyPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	raw := m[1]
	assert.Equal(t, 1, e.closed)

	keys, err := e.store.GetAPIKeyByPrefix(context.Background(), raw[:8])
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "team-a", keys[0].OwnerID)
	assert.Equal(t, []string{"read", "admin"}, keys[0].Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys[0].KeyHash), []byte(raw)))
	assert.NotContains(t, keys[0].KeyHash, raw)

	out, err = e.run(t, "", "apikey", "list", "--owner", "team-a")
	require.NoError(t, err)
	assert.Contains(t, out, keys[0].ID.String())
	assert.Contains(t, out, raw[:8])
	assert.Contains(t, out, "never")

	out, err = e.run(t, "", "apikey", "revoke", keys[0].ID.String(), "--owner", "team-a")
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked")

	out, err = e.run(t, "", "apikey", "list", "--owner", "team-a")
	require.NoError(t, err)
	assert.Contains(t, out, "No keys found")
}

func TestAPIKey_DefaultScopes(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "", "apikey", "create", "--owner", "team-b", "--name", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "scopes: read,write")
}

func TestAPIKey_RequiresOwner(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "apikey", "create", "--name", "ci")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"owner"`)
}

func TestAPIKey_RevokeOtherOwner(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.run(t, "", "apikey", "create", "--owner", "team-a", "--name", "ci")
	require.NoError(t, err)
	keys, err := e.store.ListAPIKeys(context.Background(), "team-a")
	require.NoError(t, err)

	_, err = e.run(t, "", "apikey", "revoke", keys[0].ID.String(), "--owner", "team-b")
	assert.Error(t, err)

	_, err = e.run(t, "", "apikey", "revoke", "not-a-uuid", "--owner", "team-a")
	assert.ErrorContains(t, err, "invalid key id")
}

func TestSources_ListsRegisteredAndOrphaned(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.corpus.Upsert(context.Background(), []models.Chunk{
		{ID: "a", Source: "docs", Text: "one", Embedding: []float32{1, 0}},
		{ID: "b", Source: "docs", Text: "two", Embedding: []float32{0, 1}},
		{ID: "c", Source: "legacy", Text: "three", Embedding: []float32{1, 1}},
	})
	require.NoError(t, err)

	out, err := e.run(t, "", "sources")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"docs", "2", "yes"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"legacy", "1", "no"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"npm", "0", "yes"}, strings.Fields(lines[3]))
}

func TestSubmitIndex_ThenInspect(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "", "submit", "index", "--owner", "team-a",
		"--source", "docs", "--source", "docs", "--locator", "https://go.dev/doc/", "--max-retries", "0")
	require.NoError(t, err)
	m := jobIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := uuid.MustParse(m[1])

	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobKindCorpusIndex, job.Kind)
	assert.Equal(t, 0, job.MaxRetries)
	assert.JSONEq(t, `{"sources":["docs"],"locators":["https://go.dev/doc/"]}`, string(job.Payload))

	out, err = e.run(t, "", "jobs", "--owner", "team-a")
	require.NoError(t, err)
	assert.Contains(t, out, id.String())
	assert.Contains(t, out, "pending")

	out, err = e.run(t, "", "jobs", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Status: pending")
	assert.Contains(t, out, "Owner: team-a")
}

func TestSubmitIndex_UnknownSource(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "submit", "index", "--owner", "team-a", "--source", "cpan")
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrValidation)
}

func TestSubmitArtifact_FromStdin(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, `[{"a":1}]`, "submit", "artifact", "--owner", "team-a", "--format", "spreadsheet", "--title", "t")
	require.NoError(t, err)
	id := uuid.MustParse(jobIDPattern.FindStringSubmatch(out)[1])

	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"[{\"a\":1}]","format":"csv","title":"t"}`, string(job.Payload))
}

func TestJobs_ListRequiresOwner(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(t, "", "jobs")
	assert.ErrorContains(t, err, "--owner")

	out, err := e.run(t, "", "jobs", "--owner", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")
}

func TestRoot_OpenerErrorPropagates(t *testing.T) {
	cmd := cli.NewRootCmd(func(context.Context) (*cli.App, error) {
		return nil, errors.New("connect database: refused")
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sources"})

	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "refused")
}
