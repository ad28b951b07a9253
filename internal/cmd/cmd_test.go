package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate"
	"github.com/signalfence/redisrate/config"
	"github.com/signalfence/redisrate/core"
	"github.com/signalfence/redisrate/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestCheckAndReset(t *testing.T) {
	mr := miniredis.RunT(t)

	check := func() decisionOutput {
		out, err := execute(t, "check", "api:alice",
			"--redis-addr", mr.Addr(), "--rate", "2", "--period", "1m", "-o", "json")
		require.NoError(t, err)
		var d decisionOutput
		require.NoError(t, json.Unmarshal([]byte(out), &d))
		return d
	}

	first := check()
	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Remaining)
	assert.Equal(t, "api:alice", first.Key)

	assert.True(t, check().Allowed)

	limited := check()
	assert.False(t, limited.Allowed)
	assert.Positive(t, limited.RetryAfterMs)
	assert.True(t, mr.Exists(store.DefaultPrefix+"api:alice"))

	out, err := execute(t, "reset", "api:alice", "--redis-addr", mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, "reset api:alice\n", out)
	assert.False(t, mr.Exists(store.DefaultPrefix+"api:alice"))

	assert.True(t, check().Allowed)
}

func TestCheck_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := execute(t, "check", "k", "--redis-addr", addr, "-o", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-10-18")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "redisrate 1.2.3\n", out)
}

func TestRenderDecision(t *testing.T) {
	limit := core.MustLimit(10, 5, time.Second)
	d := redisrate.Decision{
		Limited:    true,
		Remaining:  0,
		RetryAfter: 100 * time.Millisecond,
		ResetAfter: 500 * time.Millisecond,
		Limit:      limit,
	}

	out := renderDecision("user:42", d)
	assert.Contains(t, out, "user:42")
	assert.Contains(t, out, "limited")
	assert.Contains(t, out, limit.String())
	assert.Contains(t, out, "100ms")
	assert.Contains(t, out, "╭")
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redisrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limiter:
  channel: rates
defaults:
  rate: 5
  period: 1s
`), 0o600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "rates", cfg.Limiter.Channel)
	assert.Equal(t, core.PerSecond(5), cfg.DefaultLimit())
}

func TestOpenBackend_Rueidis(t *testing.T) {
	mr := miniredis.RunT(t)

	be, err := openBackend(context.Background(), config.RedisConfig{
		Addr:   mr.Addr(),
		Client: config.ClientRueidis,
	}, nil)
	require.NoError(t, err)
	defer be.close()

	_, ok := be.store.(*store.RueidisStore)
	assert.True(t, ok)
	assert.NoError(t, be.ping(context.Background()))
}

func TestKnockHandler(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.SetPolicy("/knock", config.PolicyConfig{Rate: 1, Period: time.Minute}))

	limiter, err := redisrate.New(store.NewMemoryStore())
	require.NoError(t, err)

	h, err := knockHandler(cfg, limiter, zap.NewNop())
	require.NoError(t, err)

	knock := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/knock", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := knock()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = knock()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
