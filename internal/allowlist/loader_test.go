package allowlist

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
)

func TestLoader_MergesSettings(t *testing.T) {
	t.Parallel()

	base := map[string]string{"MaxBytes": "1000", "Timeout": "5000", "UserAgent": "base"}
	src := NewStaticSource([]string{"example.com"}, map[string]string{"timeout": "250"})

	snap, err := NewLoader(src, base).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Config.MaxBytes != 1000 {
		t.Fatalf("MaxBytes = %d", snap.Config.MaxBytes)
	}
	if snap.Config.Timeout != 250*time.Millisecond {
		t.Fatalf("Timeout = %s, document setting should win", snap.Config.Timeout)
	}
	if snap.Config.UserAgent != "base" {
		t.Fatalf("UserAgent = %q", snap.Config.UserAgent)
	}
	if snap.Source != "static" || snap.Version == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Fetcher.Config() != snap.Config {
		t.Fatal("fetcher built from different config")
	}
	if base["Timeout"] != "5000" {
		t.Fatal("base settings mutated")
	}
}

func TestLoader_RejectsBadEntry(t *testing.T) {
	t.Parallel()

	src := NewStaticSource([]string{"example.com", "./"}, nil)
	if _, err := NewLoader(src, nil).Load(context.Background()); err == nil {
		t.Fatal("bad entry accepted")
	}
}

func TestLoader_RejectsBadSettings(t *testing.T) {
	t.Parallel()

	src := NewStaticSource([]string{"example.com"}, map[string]string{"MaxBytes": "huge"})
	if _, err := NewLoader(src, nil).Load(context.Background()); err == nil {
		t.Fatal("bad settings accepted")
	}
}

func TestLoader_RejectsTimeoutOverMax(t *testing.T) {
	t.Parallel()

	base := map[string]string{"Timeout": "1000"}
	l := NewLoader(NewStaticSource([]string{"example.com"}, map[string]string{"Timeout": "5000"}), base)
	l.SetMaxTimeout(2 * time.Second)
	if _, err := l.Load(context.Background()); err == nil {
		t.Fatal("document timeout above the maximum accepted")
	}

	l = NewLoader(NewStaticSource([]string{"example.com"}, map[string]string{"Timeout": "2000"}), base)
	l.SetMaxTimeout(2 * time.Second)
	snap, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load at the maximum: %v", err)
	}
	if snap.Config.Timeout != 2*time.Second {
		t.Fatalf("Timeout = %s", snap.Config.Timeout)
	}
}

func TestLoader_SnapshotsShareConnections(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("img"))
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	l := NewLoader(NewStaticSource([]string{"127.0.0.1"}, nil), nil)
	defer l.CloseIdleConnections()
	for i := 0; i < 3; i++ {
		snap, err := l.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if _, err := snap.Fetcher.FetchString(context.Background(), srv.URL+"/a.png"); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if n := conns.Load(); n != 1 {
		t.Fatalf("opened %d connections across snapshots, want 1", n)
	}
}

type failingSource struct{ err error }

func (f failingSource) Name() string                            { return "failing" }
func (f failingSource) Version(context.Context) (string, error) { return "", f.err }
func (f failingSource) Load(context.Context) (*Document, error) { return nil, f.err }

func TestLoader_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := NewLoader(failingSource{err: boom}, nil).Load(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoader_FetcherBlocksRedirectOffList(t *testing.T) {
	t.Parallel()

	offList := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("off-list host contacted")
	}))
	defer offList.Close()

	// 127.0.0.1 is allowed; the redirect target uses "localhost" which is not
	onList := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "http://localhost:" + portOf(offList.URL) + "/"
		http.Redirect(w, r, target, http.StatusFound)
	}))
	defer onList.Close()

	snap, err := NewLoader(NewStaticSource([]string{"127.0.0.1"}, nil), nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = snap.Fetcher.FetchString(context.Background(), onList.URL+"/img.png")
	if !errors.Is(err, remote.ErrForbiddenHost) {
		t.Fatalf("err = %v, want ErrForbiddenHost", err)
	}
}

func portOf(raw string) string {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ':' {
			return raw[i+1:]
		}
	}
	return ""
}
