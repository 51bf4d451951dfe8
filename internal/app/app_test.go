package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postplan/internal/config"
	"postplan/internal/queue"
)

func writeConfig(t *testing.T, path, dir string, runnerEnabled bool) {
	t.Helper()
	body := fmt.Sprintf(`
logging:
  level: error
storage:
  path: %s
engine:
  seed: 11
runner:
  enabled: %t
  timezone: UTC
  dispatch: "@every 1h"
  retry: "off"
metrics:
  enabled: true
  addr: 127.0.0.1:0
`, filepath.Join(dir, "data", "postplan.db"), runnerEnabled)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "postplan.yaml")
	writeConfig(t, cfgPath, dir, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewApp(ctx, cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.Runner().Snapshot()
	if !snap.Started {
		t.Fatalf("runner not started")
	}
	names := map[string]bool{}
	for _, j := range snap.Jobs {
		names[j.Name] = true
	}
	if !names["queue.dispatch"] || !names["queue.health"] || names["queue.retry"] {
		t.Fatalf("unexpected jobs: %+v", snap.Jobs)
	}

	h, err := a.Queue.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != queue.Healthy {
		t.Fatalf("empty queue health = %s", h.Status)
	}

	resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "postplan_queue_success_rate") {
		t.Fatalf("scrape status=%d body=%s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "/debug/pprof") {
		t.Fatalf("pprof should be off")
	}

	// Disabling the runner through the file stops it without a restart.
	writeConfig(t, cfgPath, dir, false)
	deadline := time.Now().Add(5 * time.Second)
	for a.Runner().Snapshot().Started {
		if time.Now().After(deadline) {
			t.Fatalf("runner still started after reload")
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestNewAppRejectsBadSchedule(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "postplan.json")
	body := fmt.Sprintf(`{"storage":{"path":%q},"runner":{"enabled":true,"dispatch":"every now and then"}}`,
		filepath.Join(dir, "x.db"))
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewApp(context.Background(), cfgPath); err == nil || !strings.Contains(err.Error(), "runner.dispatch") {
		t.Fatalf("want runner.dispatch error, got %v", err)
	}
}

func TestScheduleDefaultsAndOff(t *testing.T) {
	cases := []struct{ raw, def, want string }{
		{"", "1m", "1m"},
		{" OFF ", "1m", ""},
		{"@every 5s", "1m", "@every 5s"},
	}
	for _, c := range cases {
		if got := schedule(c.raw, c.def); got != c.want {
			t.Fatalf("schedule(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestMapEngineDefaults(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Path: "x.db"}}
	cfg.Engine.Pool.LongDuration = "2160h"
	cfg.Emergency.ReanchorGap = "4h"
	es, err := mapEngine(cfg)
	if err != nil {
		t.Fatalf("mapEngine: %v", err)
	}
	if es.Storage.BusyTimeout != time.Second || es.Pool.LongDurationHours != 2160 || es.Emergency.ReanchorGap != 4*time.Hour {
		t.Fatalf("unexpected settings: %+v", es)
	}
	if es.Seed == 0 {
		t.Fatalf("seed should be filled")
	}

	cfg.Storage.Path = " "
	if _, err := mapEngine(cfg); err == nil {
		t.Fatalf("want storage.path error")
	}
	m := mapMetrics(&config.Config{})
	if m.Addr != defaultMetricsAddr || m.Path != defaultMetricsPath {
		t.Fatalf("metrics defaults: %+v", m)
	}
}
