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
			break
		}
	}
	return false
}

// New / Newf

func TestNew_StackContainsCaller(t *testing.T) {
	err := New("test")

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New error should have StackPCs")
	}
	if !stackContains(hs.StackPCs(), "TestNew_StackContainsCaller") {
		t.Fatal("stack should contain calling function")
	}
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("invalid port %d for %s", 99999, "plain")
	want := "invalid port 99999 for plain"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

// Wrap / Wrapf

func TestWrap_NilReturnsNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
}

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrap(errSentinel, "listen 0.0.0.0:8389")
	if err.Error() != "listen 0.0.0.0:8389: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Wrap should preserve the chain")
	}
}

func TestWrapf_HasPC(t *testing.T) {
	err := Wrapf(errSentinel, "port %d", 636)

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrapf error should expose PC")
	}
	if hp.PC() == 0 {
		t.Fatal("PC should be non-zero")
	}
}

// EnsureTrace

func TestEnsureTrace_AddsStackOnce(t *testing.T) {
	err := EnsureTrace(errSentinel)

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("EnsureTrace should add a stack")
	}
	again := EnsureTrace(err)
	if again != err {
		t.Fatal("EnsureTrace should not re-wrap an error that already has a stack")
	}
}

func TestEnsureTrace_NilReturnsNil(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should return nil")
	}
}

// Kinds

func TestMark_NilReturnsNil(t *testing.T) {
	if Mark(nil, KindBind) != nil {
		t.Fatal("Mark(nil) should return nil")
	}
}

func TestMark_KindOfThroughWrappers(t *testing.T) {
	err := Wrap(Mark(errSentinel, KindProbe), "bind cn=probe")
	if got := KindOf(err); got != KindProbe {
		t.Fatalf("KindOf = %q, want %q", got, KindProbe)
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Mark should preserve the chain")
	}
}

func TestMark_OutermostWins(t *testing.T) {
	err := Mark(Mark(errSentinel, KindAccept), KindBind)
	if got := KindOf(err); got != KindBind {
		t.Fatalf("KindOf = %q, want %q", got, KindBind)
	}
}

func TestKindOf_Unmarked(t *testing.T) {
	if got := KindOf(fmt.Errorf("plain")); got != KindUnknown {
		t.Fatalf("KindOf = %q, want unknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %q, want unknown", got)
	}
}

func TestMark_MessageUnchanged(t *testing.T) {
	err := Mark(errSentinel, KindConfig)
	if err.Error() != "sentinel" {
		t.Fatalf("Error() = %q, want sentinel", err.Error())
	}
}
