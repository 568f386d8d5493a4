package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncWorkerTick("data")
	IncWorkerIdle("data")
	IncWritten("data")
	IncWriteError("data")
	AddDropped("data", 3)
	IncReset("data", "forced_reset")
	IncOpen("data")
	IncOpenFailure("data")
	SetQueueDepth("data", 7)
	SetWorkerState("data", "running")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"pegstudy_worker_ticks_total":         false,
		"pegstudy_worker_idle_ticks_total":    false,
		"pegstudy_worker_writes_total":        false,
		"pegstudy_worker_write_errors_total":  false,
		"pegstudy_worker_dropped_total":       false,
		"pegstudy_worker_resets_total":        false,
		"pegstudy_worker_opens_total":         false,
		"pegstudy_worker_open_failures_total": false,
		"pegstudy_worker_queue_depth":         false,
		"pegstudy_worker_state":               false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestWorkerStateIsExclusive(t *testing.T) {
	reg := freshRegistry(t)
	SetWorkerState("serial", "running")
	SetWorkerState("serial", "degraded")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	active := 0
	for _, mf := range mfs {
		if mf.GetName() != "pegstudy_worker_state" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var worker, state string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "worker":
					worker = lp.GetValue()
				case "state":
					state = lp.GetValue()
				}
			}
			if worker != "serial" {
				continue
			}
			if m.GetGauge().GetValue() == 1 {
				active++
				if state != "degraded" {
					t.Fatalf("expected degraded to be active, got %s", state)
				}
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active state, got %d", active)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncWorkerTick("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "pegstudy_worker_ticks_total") {
		t.Fatalf("metrics output missing ticks_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncWorkerTick("c")
			IncWritten("c")
			SetQueueDepth("c", 1)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops before Register
	IncWorkerTick("test")
	IncWorkerIdle("test")
	IncWritten("test")
	IncWriteError("test")
	AddDropped("test", 1)
	IncReset("test", "no_data_timeout")
	IncOpen("test")
	IncOpenFailure("test")
	SetQueueDepth("test", 5)
	SetWorkerState("test", "running")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("registration must not be marked successful")
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
