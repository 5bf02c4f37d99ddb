package synthesis

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/xylem/internal/retrieval"
)

// stubProvider returns a canned answer or error.
type stubProvider struct {
	name   string
	answer string
	err    error
	calls  int
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Synthesize(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func TestChainFirstProviderWins(t *testing.T) {
	first := &stubProvider{name: "cli", answer: "from cli"}
	second := &stubProvider{name: "http", answer: "from http"}
	chain := NewChain(nil, first, second)

	attempt, err := chain.Synthesize(context.Background(), "prompt", nil, []string{"thoughts:t1"})
	require.NoError(t, err)
	assert.True(t, attempt.Succeeded)
	assert.Equal(t, "cli", attempt.Provider)
	assert.Equal(t, "from cli", attempt.Answer)
	assert.False(t, attempt.FallbackUsed)
	assert.Equal(t, []string{"thoughts:t1"}, attempt.Sources)
	assert.Equal(t, 0, second.calls)
}

func TestChainFallbackOnTimeout(t *testing.T) {
	first := &stubProvider{name: "cli", err: &TimeoutError{Provider: "cli", After: time.Second}}
	second := &stubProvider{name: "http", answer: "rescued"}
	chain := NewChain(nil, first, second)

	attempt, err := chain.Synthesize(context.Background(), "prompt", nil, nil)
	require.NoError(t, err)
	assert.True(t, attempt.Succeeded)
	assert.Equal(t, "http", attempt.Provider)
	assert.True(t, attempt.FallbackUsed)
	// The timeout stays in the error history
	require.Len(t, attempt.Errors, 1)
	assert.Contains(t, attempt.Errors[0], "timed out")
}

func TestChainExplicitOrder(t *testing.T) {
	cli := &stubProvider{name: "cli", answer: "a"}
	httpP := &stubProvider{name: "http", answer: "b"}
	chain := NewChain(nil, cli, httpP)

	attempt, err := chain.Synthesize(context.Background(), "prompt", []string{"http", "cli"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http", attempt.Provider)
	assert.False(t, attempt.FallbackUsed)
	assert.Equal(t, 0, cli.calls)
}

func TestChainAllFailReturnsLastError(t *testing.T) {
	first := &stubProvider{name: "cli", err: errors.New("spawn failed")}
	lastErr := errors.New("bad gateway")
	second := &stubProvider{name: "http", err: lastErr}
	chain := NewChain(nil, first, second)

	attempt, err := chain.Synthesize(context.Background(), "prompt", nil, nil)
	assert.ErrorIs(t, err, lastErr)
	assert.False(t, attempt.Succeeded)
	assert.Len(t, attempt.Errors, 2)
}

func TestChainNoProviders(t *testing.T) {
	chain := NewChain(nil)
	_, err := chain.Synthesize(context.Background(), "prompt", nil, nil)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestChainUnknownNamesSkipped(t *testing.T) {
	only := &stubProvider{name: "cli", answer: "ok"}
	chain := NewChain(nil, only)

	attempt, err := chain.Synthesize(context.Background(), "prompt", []string{"ghost", "cli"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "cli", attempt.Provider)
	assert.True(t, attempt.FallbackUsed)
	assert.Contains(t, attempt.Errors[0], "not configured")
}

func TestHTTPProviderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"grounded answer"}}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("http", srv.URL, "test-key", "test-model", 5*time.Second)
	answer, err := p.Synthesize(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", answer)
}

func TestHTTPProviderNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider("http", srv.URL, "", "m", 5*time.Second)
	_, err := p.Synthesize(context.Background(), "prompt")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "503")
	assert.Contains(t, perr.Snippet, "overloaded")
}

func TestHTTPProviderEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("http", srv.URL, "", "m", 5*time.Second)
	_, err := p.Synthesize(context.Background(), "prompt")
	var perr *ProviderError
	assert.ErrorAs(t, err, &perr)
}

func TestParseCLIOutputCleansEscapes(t *testing.T) {
	raw := "\x1b[32mready\x1b[0m\n{\"answer\": \"clean\"}\n"
	answer, err := parseCLIOutput("cli", raw)
	require.NoError(t, err)
	assert.Equal(t, "clean", answer)
}

func TestParseCLIOutputNoiseAroundPayload(t *testing.T) {
	raw := `booting model...
{"progress": 50}
{"answer": "the real payload"}
bye`
	answer, err := parseCLIOutput("cli", raw)
	require.NoError(t, err)
	assert.Equal(t, "the real payload", answer)
}

func TestParseCLIOutputUnparseable(t *testing.T) {
	_, err := parseCLIOutput("cli", "segfault, core dumped")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Snippet, "segfault")
}

func TestParseCLIOutputReportedError(t *testing.T) {
	_, err := parseCLIOutput("cli", `{"error": "quota exhausted"}`)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "quota exhausted")
}

func TestBoundedBufferCapsRetention(t *testing.T) {
	b := newBoundedBuffer(10)
	n, err := b.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n) // consumed in full, retained up to the cap
	assert.Equal(t, "0123456789", b.String())

	n, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123456789", b.String())
}

func TestCLIProviderEchoSubprocess(t *testing.T) {
	// cat echoes the prompt back; a JSON prompt therefore parses as output.
	p := NewCLIProvider("echo", "cat", nil, 10*time.Second)
	answer, err := p.Synthesize(context.Background(), `{"answer": "round trip"}`)
	require.NoError(t, err)
	assert.Equal(t, "round trip", answer)
}

func TestCLIProviderTimeoutKillsChild(t *testing.T) {
	p := NewCLIProvider("sleepy", "sleep", []string{"30"}, 200*time.Millisecond)
	start := time.Now()
	_, err := p.Synthesize(context.Background(), "prompt")
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "sleepy", terr.Provider)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCLIProviderMissingExecutable(t *testing.T) {
	p := NewCLIProvider("ghost", "definitely-not-a-real-binary-xyz", nil, time.Second)
	_, err := p.Synthesize(context.Background(), "prompt")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, strings.ToLower(perr.Error()), "spawn")
}

func TestPromptWithEvidenceAndWithout(t *testing.T) {
	empty := BuildPrompt("what happened?", nil)
	assert.Contains(t, empty, "insufficient stored evidence")
	assert.Contains(t, empty, "what happened?")

	evidence := []retrieval.Candidate{
		{ID: "t1", Table: "thoughts", Origin: "human", Tier: retrieval.TierGreen,
			Text: "shipped the release", CreatedAt: time.Now()},
	}
	grounded := BuildPrompt("what happened?", evidence)
	assert.Contains(t, grounded, "shipped the release")
	assert.Contains(t, grounded, "trust=green")
	assert.NotContains(t, grounded, "insufficient stored evidence")
	assert.Equal(t, []string{"thoughts:t1"}, SourceIDs(evidence))
}
