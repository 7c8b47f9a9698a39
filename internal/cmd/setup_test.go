package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/rhythm/internal/config"
	"github.com/harrison/rhythm/internal/logger"
)

func TestBuildDispatcher_DefaultsToOutput(t *testing.T) {
	var out bytes.Buffer
	m, _ := newMetrics()
	d, err := buildDispatcher(config.DefaultConfig(), &out, m, logger.NewNoOpLogger())
	require.NoError(t, err)
	defer d.Close()

	d.Deliver(context.Background(), "a\nb")
	d.Wait()
	assert.Equal(t, "a\nb\n", out.String())
}

func TestBuildDispatcher_FailuresAreCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Origin = srv.URL
	cfg.Sinks = []string{"/collect", stdoutSink}
	var out, diag bytes.Buffer
	m, _ := newMetrics()
	d, err := buildDispatcher(cfg, &out, m, logger.NewConsoleLogger(&diag, "info"))
	require.NoError(t, err)
	defer d.Close()

	d.Deliver(context.Background(), "line")
	d.Wait()
	assert.Equal(t, "line\n", out.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	assert.Contains(t, diag.String(), "delivery failed")
}

func TestBuildDispatcher_RelativeSinkNeedsOrigin(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sinks = []string{"/collect"}
	m, _ := newMetrics()
	_, err := buildDispatcher(cfg, &bytes.Buffer{}, m, logger.NewNoOpLogger())
	require.Error(t, err)
}

func TestBuildLogger_WritesRunLog(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer

	log, closeLog, err := buildLogger(cfg, &console, nil)
	require.NoError(t, err)
	log.LogRotation(1, 2)
	closeLog()

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "latest.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "slot 1 reached its byte cap, continuing in slot 2")
	assert.Contains(t, console.String(), "slot 1 reached its byte cap")
}

func TestSurfaces_MemoryHandlesShareData(t *testing.T) {
	ctx := context.Background()
	s := newSurfaces(config.DefaultConfig(), nil)
	a, err := s.Open(ctx)
	require.NoError(t, err)
	b, err := s.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "k", "v", 0))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.NoError(t, s.Close())
}

func TestSurfaces_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "tape"
	_, err := newSurfaces(cfg, nil).Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestEngineOptions_MapsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxSlots = 3
	cfg.Capabilities.Scroll = false
	cfg.Referrers = map[string]int{"google.com": 7}

	opts, err := engineOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, opts.MaxSlots)
	assert.False(t, opts.Capabilities.Scroll)
	assert.True(t, opts.Capabilities.TabSync)
	assert.Equal(t, 7, opts.Referrers["google.com"])
	assert.Equal(t, byte('!'), opts.Alphabet.Page)
}
