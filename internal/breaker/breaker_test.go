package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterThreshold(t *testing.T) {
	tr := New(Config{FailureThreshold: 5, Cooldown: 60 * time.Second})

	for i := 0; i < 4; i++ {
		tr.Failure("mt4:bridge")
	}
	if err := tr.Allow("mt4:bridge"); err != nil {
		t.Fatalf("Allow after 4 failures: %v, expected nil", err)
	}

	tr.Failure("mt4:bridge")
	err := tr.Allow("mt4:bridge")
	if err == nil {
		t.Fatalf("Allow after 5 failures: nil, expected ErrOpen")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow error=%v, expected ErrOpen", err)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	tr := New(Config{FailureThreshold: 5, Cooldown: 60 * time.Second})

	for i := 0; i < 5; i++ {
		tr.Failure("mt5:bridge")
	}
	if !tr.IsOpen("mt5:bridge") {
		t.Fatalf("IsOpen=false after threshold, expected true")
	}

	tr.Success("mt5:bridge")
	if tr.IsOpen("mt5:bridge") {
		t.Fatalf("IsOpen=true after success, expected false")
	}
	if n := tr.Failures("mt5:bridge"); n != 0 {
		t.Fatalf("Failures=%d after success, expected 0", n)
	}
}

func TestCooldownLetsProbeThrough(t *testing.T) {
	tr := New(Config{FailureThreshold: 5, Cooldown: 60 * time.Second})

	now := time.Now()
	tr.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		tr.Failure("mt4:bridge")
	}
	if err := tr.Allow("mt4:bridge"); err == nil {
		t.Fatalf("Allow inside cooldown: nil, expected ErrOpen")
	}

	// One second short of the window: still open.
	now = now.Add(59 * time.Second)
	if err := tr.Allow("mt4:bridge"); err == nil {
		t.Fatalf("Allow at 59s: nil, expected ErrOpen")
	}

	// Window elapsed: one probe call is let through.
	now = now.Add(time.Second)
	if err := tr.Allow("mt4:bridge"); err != nil {
		t.Fatalf("Allow after cooldown: %v, expected nil", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	tr := New(Config{FailureThreshold: 2, Cooldown: time.Minute})

	tr.Failure("mt4:bridge")
	tr.Failure("mt4:bridge")
	if !tr.IsOpen("mt4:bridge") {
		t.Fatalf("mt4 not open after threshold")
	}
	if tr.IsOpen("mt5:bridge") {
		t.Fatalf("mt5 open without any failure")
	}

	snap := tr.Snapshot()
	if snap["mt4:bridge"] != 2 {
		t.Fatalf("Snapshot[mt4:bridge]=%d, expected 2", snap["mt4:bridge"])
	}
}
