package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/pegstudy/internal/canetroller"
	"github.com/loykin/pegstudy/internal/stream"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pegstudy.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if c.Recorder.Interval != 5*time.Millisecond || c.Recorder.MaxTick != 4*time.Millisecond {
		t.Fatalf("unexpected loop timing: %+v", c.Recorder.WorkerConfig)
	}
	if c.Recorder.BaseName != "user" || c.Recorder.Dir != "data" {
		t.Fatalf("unexpected recorder defaults: %+v", c.Recorder)
	}
	if c.Canetroller.BaudRate != 115200 || c.Canetroller.ReadTimeout != 10*time.Millisecond || c.Canetroller.WriteTimeout != time.Millisecond {
		t.Fatalf("unexpected serial defaults: %+v", c.Canetroller)
	}
	if c.Canetroller.OpenFailure.Mode != "backoff" {
		t.Fatalf("unexpected open policy default: %+v", c.Canetroller.OpenFailure)
	}
	if c.History.Interval != 50*time.Millisecond {
		t.Fatalf("history interval default not applied: %v", c.History.Interval)
	}
}

func TestLoadFull(t *testing.T) {
	p := writeTOML(t, `
[log.slog]
level = "debug"
format = "json"

[recorder]
dir = "/tmp/study"
base_name = "pilot"
interval = "2ms"
no_data_timeout = "0s"

[canetroller]
enabled = true
port = "/dev/ttyACM1"
reset_interval = "30s"
no_data_timeout = "3s"

[canetroller.intensities]
up = 80
left = 200

[canetroller.open_failure]
mode = "retry"
max_attempts = 5

[history]
enabled = true
dsn = "sqlite:///tmp/h.db"

[metrics]
enabled = true
listen = ":9100"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Log.Slog.Level != "debug" || c.Log.Slog.Format != "json" {
		t.Fatalf("log not decoded: %+v", c.Log)
	}
	if c.Recorder.Dir != "/tmp/study" || c.Recorder.BaseName != "pilot" || c.Recorder.Interval != 2*time.Millisecond {
		t.Fatalf("recorder not decoded: %+v", c.Recorder)
	}
	if c.Recorder.MaxTick != 4*time.Millisecond {
		t.Fatalf("default max_tick lost: %v", c.Recorder.MaxTick)
	}

	cc := c.CanetrollerOptions()
	if cc.Serial.Port != "/dev/ttyACM1" || cc.Worker.Name != "canetroller" {
		t.Fatalf("unexpected canetroller options: %+v", cc)
	}
	if cc.Worker.ResetInterval != 30*time.Second || cc.Worker.NoDataTimeout != 3*time.Second {
		t.Fatalf("staleness settings lost: %+v", cc.Worker)
	}
	if cc.Worker.Open.Mode != stream.OpenRetry || cc.Worker.Open.MaxAttempts != 5 {
		t.Fatalf("open policy not decoded: %+v", cc.Worker.Open)
	}
	if cc.Intensities[canetroller.Up] != 80 || cc.Intensities[canetroller.Left] != 200 {
		t.Fatalf("intensities not decoded: %+v", cc.Intensities)
	}

	rc := c.RecorderOptions()
	if rc.Worker.Interval != 2*time.Millisecond || rc.BaseName != "pilot" {
		t.Fatalf("unexpected recorder options: %+v", rc)
	}
	if !c.History.Enabled || c.History.DSN == "" || !c.Metrics.Enabled || c.Metrics.Listen != ":9100" {
		t.Fatalf("history/metrics not decoded: %+v %+v", c.History, c.Metrics)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":      "[recorder.open_failure]\nmode = \"explode\"\n",
		"interval":  "[canetroller]\ninterval = \"0s\"\n",
		"base":      "[recorder]\nbase_name = \"a/b\"\n",
		"direction": "[canetroller.intensities]\nsideways = 3\n",
		"intensity": "[canetroller.intensities]\nup = 300\n",
		"history":   "[history]\nenabled = true\n",
		"level":     "[log.slog]\nlevel = \"loud\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeTOML(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PEGSTUDY_SERVER_LISTEN", "0.0.0.0:9999")
	c, err := Load(writeTOML(t, "[server]\nlisten = \"127.0.0.1:1\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:9999" {
		t.Fatalf("env override not applied: %s", c.Server.Listen)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "pegstudy.toml"))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if c.Canetroller.Enabled || c.Canetroller.Port != "auto" {
		t.Fatalf("unexpected canetroller sample: %+v", c.Canetroller)
	}
	if c.Log.File.MaxSizeMB != 10 || c.Server.BasePath != "/api" {
		t.Fatalf("unexpected sample values: %+v %+v", c.Log.File, c.Server)
	}
}
