package cmd

import (
	"strings"
	"testing"
)

func TestExecute_Think(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "use snake_case for Go test fixtures", "--origin", "human")()
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(think): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Recorded") {
		t.Errorf("think should confirm the record: %q", out)
	}
}

func TestExecute_Think_Duplicate(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "exactly the same thought", "--origin", "human")()
	if err := Execute(); err != nil {
		t.Fatalf("Execute(think): %v", err)
	}
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(think) second run: %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "duplicate") {
		t.Errorf("repeated think should report the duplicate: %q", out)
	}
}

func TestExecute_Think_WithTags(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "content with tags", "--origin", "human", "--tags", "a,b")()
	if err := Execute(); err != nil {
		t.Fatalf("Execute(think --tags): %v", err)
	}
}

func TestExecute_Think_InvalidOrigin(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "some text", "--origin", "alien")()
	err := Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid origin") {
		t.Errorf("expected invalid origin error, got %v", err)
	}
}

func TestExecute_Think_UnresolvedLink(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "follows a thought that never existed",
		"--origin", "human", "--tags", "", "--previous", "no-such-id")()
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(think --previous): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "kept as text") {
		t.Errorf("unresolved link should degrade, not fail: %q", out)
	}
}

func TestExecute_Forget_Missing(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "forget", "no-such-thought")()
	err := Execute()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("forget of unknown id should error, got %v", err)
	}
}
