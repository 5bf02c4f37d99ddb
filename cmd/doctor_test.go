package cmd

import (
	"testing"
)

func TestRedact_Empty(t *testing.T) {
	if got := redact("", 2); got != "(not set)" {
		t.Errorf("redact(\"\", 2): got %q", got)
	}
}

func TestRedact_Short(t *testing.T) {
	if got := redact("ab", 2); got != "***" {
		t.Errorf("redact(\"ab\", 2): got %q want ***", got)
	}
}

func TestRedact_Long(t *testing.T) {
	if got := redact("abcdefgh", 2); got != "ab...gh" {
		t.Errorf("redact(\"abcdefgh\", 2): got %q want ab...gh", got)
	}
}

func TestExecute_Doctor(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "doctor")()
	_, err := captureStdout(func() {
		if e := Execute(); e != nil {
			// Doctor may report issues in the test environment (binary
			// not on PATH). We verify the command runs without panicking.
			t.Logf("Execute(doctor): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}
