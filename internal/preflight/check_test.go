package preflight

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Database.Path = filepath.Join(dir, "db", "metadata.db")
	cfg.VectorStore.Root = filepath.Join(dir, "vectors")
	return cfg
}

func TestCheckDataDir(t *testing.T) {
	// Given a writable location
	cfg := testConfig(t)
	checker := New(cfg, nil)

	// When checking a directory that does not exist yet
	result := checker.CheckDataDir(cfg.VectorStore.Root)

	// Then it is created and passes
	assert.Equal(t, StatusPass, result.Status)
	assert.True(t, result.Required)

	// When the location cannot be created
	result = checker.CheckDataDir("/proc/definitely/not/writable")
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
}

func TestCheckDiskSpace(t *testing.T) {
	cfg := testConfig(t)
	checker := New(cfg, nil)

	result := checker.CheckDiskSpace(t.TempDir())
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "free")
}

func TestCheckEndpoints_Unreachable(t *testing.T) {
	// Given endpoints that refuse connections
	cfg := testConfig(t)
	cfg.Embedder.Endpoint = "http://127.0.0.1:1"
	cfg.LLM.Endpoint = "http://127.0.0.1:1"
	cfg.Reranker.Endpoint = "http://127.0.0.1:1"
	checker := New(cfg, nil)
	ctx := context.Background()

	// Then the embedder is a hard failure, the rest degrade
	assert.Equal(t, StatusFail, checker.CheckEmbedder(ctx).Status)
	assert.Equal(t, StatusWarn, checker.CheckLLM(ctx).Status)
	assert.Equal(t, StatusWarn, checker.CheckReranker(ctx).Status)
}

func TestCheckEmbedder_Reachable(t *testing.T) {
	// Given a responding model server
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Embedder.Endpoint = srv.URL
	checker := New(cfg, nil)

	result := checker.CheckEmbedder(context.Background())
	assert.Equal(t, StatusPass, result.Status)
}

func TestCheckExternalSearch(t *testing.T) {
	cfg := testConfig(t)
	checker := New(cfg, nil)
	assert.Equal(t, StatusWarn, checker.CheckExternalSearch().Status)

	cfg.Search.GoogleAPIKey = "key"
	cfg.Search.GoogleEngineID = "cx"
	assert.Equal(t, StatusPass, checker.CheckExternalSearch().Status)
}

func TestSummaryAndPrint(t *testing.T) {
	// Given mixed results
	cfg := testConfig(t)
	var buf bytes.Buffer
	checker := New(cfg, &buf)

	results := []CheckResult{
		{Name: "a", Status: StatusPass, Required: true},
		{Name: "b", Status: StatusWarn, Message: "degraded"},
	}
	assert.Equal(t, "ready_with_warnings", checker.SummaryStatus(results))
	assert.False(t, checker.HasCriticalFailures(results))

	// And a critical failure flips the summary
	results = append(results, CheckResult{Name: "c", Status: StatusFail, Required: true})
	assert.Equal(t, "failed", checker.SummaryStatus(results))
	assert.True(t, checker.HasCriticalFailures(results))

	// When printing
	checker.PrintResults(results)
	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "[WARN] b: degraded")
	assert.Contains(t, out, "Status: FAILED")
}
