package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/health"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func TestNewHandler_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	var gate health.ShutdownGate
	h := NewHandler(log.Nop(), &Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})

	if rec := get(t, h, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := get(t, h, "/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("shutting down")
	rec := get(t, h, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("ready after gate = %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_Metrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "up 1\n")
	})
	rec := get(t, NewHandler(log.Nop(), &Options{Metrics: metrics}), "/metrics")
	if rec.Code != http.StatusOK || rec.Body.String() != "up 1\n" {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	if rec := get(t, NewHandler(log.Nop(), &Options{}), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d", rec.Code)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	t.Parallel()

	if rec := get(t, NewHandler(log.Nop(), &Options{EnablePprof: true}), "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled = %d", rec.Code)
	}
	if rec := get(t, NewHandler(log.Nop(), &Options{}), "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	t.Parallel()

	var panics int
	h := NewHandler(log.Nop(), &Options{
		Health:       health.CheckFunc(func(context.Context) error { panic("probe exploded") }),
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	})
	if rec := get(t, h, "/-/healthy"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("panics = %d", panics)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	stop, err := Start(context.Background(), log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
