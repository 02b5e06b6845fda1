package bootstrap

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/observability/statsd"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetEnabledServices(t *testing.T) {
	tests := []struct {
		name     string
		services string
		want     []string
	}{
		{name: "default set", services: "http,scheduler,reaper", want: []string{"http", "reaper", "scheduler"}},
		{name: "reaper only", services: "reaper", want: []string{"reaper"}},
		{name: "invalid", services: "http,rules", want: []string{}},
		{name: "scheduler without http", services: "scheduler", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.AppConfig{Services: tt.services}
			assert.Equal(t, tt.want, GetEnabledServices(cfg))
		})
	}
	assert.Empty(t, GetEnabledServices(nil))
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: ""}))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "scheduler"}))
	require.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "http, reaper"}))
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"job_id":"j1"`)

	buf.Reset()
	logger = NewLogger(&buf, config.LogConfig{Level: "debug", Format: "text"})
	logger.Debug("detail")
	assert.True(t, strings.HasPrefix(buf.String(), "time="))
	assert.Contains(t, buf.String(), "msg=detail")
}

func TestBuildFireLock(t *testing.T) {
	assert.IsType(t, core.LocalFireLock{}, buildFireLock(nil, discardLogger()))

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	assert.IsType(t, &core.CacheFireLock{}, buildFireLock(client, discardLogger()))
}

func TestBuildMetrics_DisabledIsNoop(t *testing.T) {
	sink := buildMetrics(discardLogger(), config.ObservabilityMetricsConfig{Enabled: false, StatsdAddress: "127.0.0.1:8125"})
	assert.Equal(t, statsd.Noop{}, sink)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	cfg := config.HTTPConfig{ReadHeaderTimeout: time.Second, ShutdownTimeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	shutdownCalled := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, handler, cfg, discardLogger(), func(context.Context) { close(shutdownCalled) })
	}()

	require.Eventually(t, func() bool {
		resp, gerr := http.Get("http://" + ln.Addr().String() + "/")
		if gerr != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case <-shutdownCalled:
	default:
		t.Fatal("shutdown hook not called")
	}
}

func TestListen_AppliesConnectionLimit(t *testing.T) {
	ln, err := Listen(config.HTTPConfig{Addr: "127.0.0.1:0", MaxConnections: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	assert.NotContains(t, ln.Addr().String(), ":0")
}
