package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecute_Import_UnknownSource(t *testing.T) {
	setDataDir(t)
	f := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(f, []byte("[]"), 0644); err != nil {
		t.Fatal(err)
	}

	defer setArgs("xylem", "import", "copilot", f)()
	err := Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown source") {
		t.Errorf("expected unknown source error, got %v", err)
	}
}

func TestExecute_Import_MissingPath(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "import", "claude", "/no/such/file.json")()
	if err := Execute(); err == nil {
		t.Error("import of missing path should fail")
	}
}

func TestExecute_Export_Empty(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "export")()
	out, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(export): %v", e)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No thoughts to export") {
		t.Errorf("empty export output: %q", out)
	}
}

func TestExecute_Export_JSONL(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "exported thought body", "--origin", "human", "--tags", "", "--previous", "")()
	if err := Execute(); err != nil {
		t.Fatalf("Execute(think): %v", err)
	}

	out := filepath.Join(t.TempDir(), "thoughts.jsonl")
	defer setArgs("xylem", "export", "jsonl", out)()
	if _, err := captureStdout(func() {
		if e := Execute(); e != nil {
			t.Fatalf("Execute(export jsonl): %v", e)
		}
	}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("export file: %v", err)
	}
	if !strings.Contains(string(data), "exported thought body") {
		t.Errorf("export should contain the thought text: %s", data)
	}
	if strings.Contains(string(data), "\"embedding\"") {
		t.Errorf("export should omit embeddings: %s", data)
	}
}

func TestExecute_Export_UnknownFormat(t *testing.T) {
	setDataDir(t)

	defer setArgs("xylem", "think", "something to export", "--origin", "human", "--tags", "", "--previous", "")()
	if err := Execute(); err != nil {
		t.Fatalf("Execute(think): %v", err)
	}

	defer setArgs("xylem", "export", "yaml")()
	err := Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected unknown format error, got %v", err)
	}
}
