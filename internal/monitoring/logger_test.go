package monitoring

import (
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestSetDebug(t *testing.T) {
	originalLogf := Logf
	originalDebugf := Debugf
	defer func() {
		Logf = originalLogf
		Debugf = originalDebugf
		SetDebug(false)
	}()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})

	Debugf("suppressed")
	if len(lines) != 0 {
		t.Fatalf("Debugf should be a no-op by default, got %v", lines)
	}

	SetDebug(true)
	Debugf("visible")
	if len(lines) != 1 {
		t.Fatalf("Debugf should log when debug is enabled, got %v", lines)
	}

	SetDebug(false)
	Debugf("suppressed again")
	if len(lines) != 1 {
		t.Fatalf("Debugf should be muted after SetDebug(false), got %v", lines)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}
