package synthesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// maxStderrBytes caps how much of a misbehaving subprocess's error stream is
// retained; the rest is drained and discarded so the process can exit.
const maxStderrBytes = 64 * 1024

// errSnippetLen bounds the output excerpt carried on parse failures.
const errSnippetLen = 300

// CLIProvider synthesizes by spawning an external LLM CLI, writing the prompt
// to its stdin and parsing the JSON it prints. The subprocess is always
// terminated when the call returns, on every exit path.
type CLIProvider struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCLIProvider configures a subprocess-backed provider. A zero timeout
// defaults to 120s; there is no wait-forever path.
func NewCLIProvider(name, command string, args []string, timeout time.Duration) *CLIProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &CLIProvider{name: name, command: command, args: args, timeout: timeout}
}

func (p *CLIProvider) Name() string { return p.name }

// cliPayload is the JSON shape expected from the CLI. Either field may carry
// the answer; chatty CLIs differ.
type cliPayload struct {
	Answer string `json:"answer"`
	Result string `json:"result"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Synthesize runs the CLI under the provider's time budget.
func (p *CLIProvider) Synthesize(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.command, p.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	var stdout bytes.Buffer
	stderr := newBoundedBuffer(maxStderrBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("spawn %s: %w", p.command, err)}
	}

	if _, err := io.WriteString(stdin, prompt); err != nil {
		stdin.Close()
		cmd.Wait()
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("write prompt: %w", err)}
	}
	if err := stdin.Close(); err != nil {
		cmd.Wait()
		return "", &ProviderError{Provider: p.name, Err: fmt.Errorf("close stdin: %w", err)}
	}

	waitErr := cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// CommandContext already killed the child.
		return "", &TimeoutError{Provider: p.name, After: p.timeout}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "", &ProviderError{Provider: p.name, Err: ctx.Err()}
	}
	if waitErr != nil {
		return "", &ProviderError{
			Provider: p.name,
			Err:      fmt.Errorf("exec failed: %w", waitErr),
			Snippet:  snippet(stderr.String()),
		}
	}

	return parseCLIOutput(p.name, stdout.String())
}

// parseCLIOutput cleans terminal escapes and extracts the answer from the
// CLI's JSON, tolerating noise around the payload.
func parseCLIOutput(provider, raw string) (string, error) {
	clean := StripANSI(raw)

	var payload cliPayload
	if !DecodeLooseJSON(clean, &payload) {
		return "", &ProviderError{
			Provider: provider,
			Err:      errors.New("no parseable JSON in output"),
			Snippet:  snippet(clean),
		}
	}
	if payload.Error != "" {
		return "", &ProviderError{Provider: provider, Err: fmt.Errorf("cli reported: %s", payload.Error)}
	}

	for _, answer := range []string{payload.Answer, payload.Result, payload.Text} {
		if strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer), nil
		}
	}
	return "", &ProviderError{
		Provider: provider,
		Err:      errors.New("JSON payload carries no answer"),
		Snippet:  snippet(clean),
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= errSnippetLen {
		return s
	}
	return s[:errSnippetLen] + "..."
}

// boundedBuffer keeps the first cap bytes written and silently discards the
// rest, so a runaway stderr stream never blocks the subprocess or grows
// memory without bound.
type boundedBuffer struct {
	buf bytes.Buffer
	cap int
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remain := b.cap - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full consumption either way so the writer keeps draining.
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
