package xerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("something broke")
	if err.Error() != "something broke" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should expose StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_MessageAndStack") {
		t.Fatal("stack should contain the calling test")
	}
}

func TestNewf_WrapsWithW(t *testing.T) {
	err := Newf("load %s: %w", "allowlist", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("Newf should keep %w chain")
	}
	if err.Error() != "load allowlist: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
}

func TestWrap_MessageChainAndPC(t *testing.T) {
	err := Wrap(errSentinel, "fetch")
	if err.Error() != "fetch: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Wrap should preserve errors.Is")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrap should expose PC")
	}
	fr, _ := runtime.CallersFrames([]uintptr{hp.PC()}).Next()
	if !strings.Contains(fr.Function, "TestWrap_MessageChainAndPC") {
		t.Fatalf("PC points at %q", fr.Function)
	}
}

func TestWrapf_Formats(t *testing.T) {
	err := Wrapf(errSentinel, "entry %q", "example.com")
	if err.Error() != `entry "example.com": sentinel` {
		t.Fatalf("Error() = %q", err.Error())
	}
}

type customErr struct{ code int }

func (c *customErr) Error() string { return fmt.Sprintf("code %d", c.code) }

func TestWrap_PreservesAs(t *testing.T) {
	err := Wrap(&customErr{code: 7}, "outer")
	var ce *customErr
	if !errors.As(err, &ce) || ce.code != 7 {
		t.Fatal("errors.As should find the wrapped custom error")
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	if traced == plain {
		t.Fatal("plain error should gain a stack")
	}
	if !errors.Is(traced, plain) {
		t.Fatal("traced error should unwrap to the original")
	}

	already := New("has stack")
	if EnsureTrace(already) != already {
		t.Fatal("error with a stack should be returned unchanged")
	}
}
