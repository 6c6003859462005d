package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFixed(t *testing.T) {
	t.Parallel()

	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("ok probe failed: %v", err)
	}
	err := Fixed(false, "").Check(context.Background())
	if err == nil || err.Error() != "unhealthy" {
		t.Fatalf("err = %v", err)
	}
}

func TestAll(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	p := All(Fixed(true, ""), nil, CheckFunc(func(context.Context) error { return first }), Fixed(false, "second"))
	if err := p.Check(context.Background()); !errors.Is(err, first) {
		t.Fatalf("err = %v, want first failure", err)
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All failed: %v", err)
	}
}

func TestAny(t *testing.T) {
	t.Parallel()

	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("Any with one passing failed: %v", err)
	}
	if err := Any(Fixed(false, "a"), Fixed(false, "b")).Check(context.Background()); err == nil || err.Error() != "b" {
		t.Fatalf("err = %v, want last failure", err)
	}
	if err := Any(nil).Check(context.Background()); err == nil {
		t.Fatal("Any with no probes passed")
	}
}

func TestShutdownGate(t *testing.T) {
	t.Parallel()

	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate failed: %v", err)
	}
	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate failed: %v", err)
	}
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		h      http.HandlerFunc
		code   int
		substr string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthy nil", HealthzHandler(nil), http.StatusOK, "ok"},
		{"unhealthy", HealthzHandler(Fixed(false, "disk full")), http.StatusServiceUnavailable, "disk full"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Fixed(false, "allowlist: no active snapshot")), http.StatusServiceUnavailable, "no active snapshot"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		if rec.Code != tc.code || !strings.Contains(rec.Body.String(), tc.substr) {
			t.Fatalf("%s: code=%d body=%q", tc.name, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("%s: cache-control missing", tc.name)
		}
	}
}

func TestHandlers_PassRequestContext(t *testing.T) {
	t.Parallel()

	type key struct{}
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(context.WithValue(req.Context(), key{}, "v")))
	if got != "v" {
		t.Fatal("request context not passed to probe")
	}
}
