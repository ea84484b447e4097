package envutil

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("IB_TEST_DURATION", "45s")
	if got := Duration("IB_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Fatalf("go syntax: got %v", got)
	}
	t.Setenv("IB_TEST_DURATION", "12")
	if got := Duration("IB_TEST_DURATION", time.Second); got != 12*time.Second {
		t.Fatalf("bare seconds: got %v", got)
	}
	t.Setenv("IB_TEST_DURATION", "soon")
	if got := Duration("IB_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("invalid falls back: got %v", got)
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("IB_TEST_BOOL", "off")
	if Bool("IB_TEST_BOOL", true) {
		t.Fatalf("off should parse as false")
	}
	t.Setenv("IB_TEST_INT", "x")
	if got := Int("IB_TEST_INT", 7); got != 7 {
		t.Fatalf("invalid int falls back: got %d", got)
	}
	if got := String("IB_TEST_UNSET_STRING", "dflt", nil); got != "dflt" {
		t.Fatalf("unset string: got %q", got)
	}
}
