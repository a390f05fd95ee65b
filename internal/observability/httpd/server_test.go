package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rentwatch/internal/poller"
	"rentwatch/internal/runtime/supervisor"
)

type fakePoller struct {
	status poller.Status
	last   poller.CycleReport
	ok     bool
}

func (f fakePoller) Status() poller.Status                 { return f.status }
func (f fakePoller) Cadence() string                       { return "every 30m0s" }
func (f fakePoller) LastCycle() (poller.CycleReport, bool) { return f.last, f.ok }

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{}).Handler()
	rec := get(t, h, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsPoller(t *testing.T) {
	t.Parallel()
	fp := fakePoller{
		status: poller.StatusPolling,
		last:   poller.CycleReport{Seq: 7, Monitors: 3, Delivered: 2},
		ok:     true,
	}
	h := New(Config{}, Deps{
		Poller: fp,
		Goroutines: func() map[string][]supervisor.GoroutineStats {
			return map[string][]supervisor.GoroutineStats{"app": {{Name: "poller.run", Active: 1}}}
		},
	}).Handler()

	rec := get(t, h, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Poller != "polling" || body.Cadence != "every 30m0s" {
		t.Fatalf("poller fields = %+v", body)
	}
	if body.LastCycle == nil || body.LastCycle.Seq != 7 || body.LastCycle.Delivered != 2 {
		t.Fatalf("last cycle = %+v", body.LastCycle)
	}
	if got := body.Goroutines["app"]; len(got) != 1 || got[0].Name != "poller.run" {
		t.Fatalf("goroutines = %+v", body.Goroutines)
	}
}

func TestStatusWithoutCycle(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{Poller: fakePoller{status: poller.StatusIdle}}).Handler()
	var body StatusResponse
	if err := json.Unmarshal(get(t, h, "/status", nil).Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LastCycle != nil {
		t.Fatalf("expected no last cycle, got %+v", body.LastCycle)
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}).Handler()

	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := get(t, h, tt.target, tt.hdr).Code; got != tt.want {
				t.Fatalf("code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := New(Config{}, Deps{}).Handler()
	if code := get(t, off, "/debug/pprof/", nil).Code; code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", code)
	}
	on := New(Config{Pprof: true}, Deps{}).Handler()
	if code := get(t, on, "/debug/pprof/", nil).Code; code != http.StatusOK {
		t.Fatalf("pprof enabled: code = %d", code)
	}
}

func TestRunRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	err := New(Config{Addr: ":0"}, Deps{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected refusal for a wildcard bind without token")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{Addr: "127.0.0.1:0"}, Deps{}).Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8089":          false,
		"0.0.0.0:8089":   false,
		"10.0.0.5:8089":  false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
