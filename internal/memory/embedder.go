package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
	Dimensions() int
}

// FallbackEmbedder wraps a primary embedder and falls back to local on errors
// (e.g. expired API keys).
type FallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
	failed   bool // sticky: once primary fails, stay on fallback for the session
}

func NewFallbackEmbedder(primary Embedder) *FallbackEmbedder {
	return &FallbackEmbedder{
		primary:  primary,
		fallback: NewLocalEmbedder(),
	}
}

func (f *FallbackEmbedder) Embed(text string) ([]float32, error) {
	if f.failed {
		return f.fallback.Embed(text)
	}
	result, err := f.primary.Embed(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Primary embedder failed (%v), falling back to local\n", err)
		f.failed = true
		return f.fallback.Embed(text)
	}
	return result, nil
}

func (f *FallbackEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	if f.failed {
		return f.fallback.EmbedBatch(texts)
	}
	result, err := f.primary.EmbedBatch(texts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Primary embedder failed (%v), falling back to local\n", err)
		f.failed = true
		return f.fallback.EmbedBatch(texts)
	}
	return result, nil
}

func (f *FallbackEmbedder) Dimensions() int {
	if f.failed {
		return f.fallback.Dimensions()
	}
	return f.primary.Dimensions()
}

// OpenAIEmbedder uses OpenAI's embedding API.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      "text-embedding-3-small",
		dimensions: 1536,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (e *OpenAIEmbedder) Embed(text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	return callEmbeddingAPI(e.client, "https://api.openai.com/v1/embeddings", e.apiKey, e.model, texts)
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// GeminiEmbedder uses Google's Gemini embedding API.
type GeminiEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
}

func NewGeminiEmbedder() (*GeminiEmbedder, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	return &GeminiEmbedder{
		apiKey:     apiKey,
		model:      "text-embedding-004",
		dimensions: 768,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (e *GeminiEmbedder) Embed(text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch calls Gemini's embedContent endpoint once per text; the API has
// no batch input in the OpenAI sense.
func (e *GeminiEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent?key=%s", e.model, e.apiKey)

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		reqBody := map[string]interface{}{
			"content": map[string]interface{}{
				"parts": []map[string]string{
					{"text": text},
				},
			},
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequest("POST", url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("Gemini API error %d: %s", resp.StatusCode, string(body))
		}

		var result struct {
			Embedding struct {
				Values []float32 `json:"values"`
			} `json:"embedding"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		embeddings[i] = result.Embedding.Values
	}

	return embeddings, nil
}

func (e *GeminiEmbedder) Dimensions() int {
	return e.dimensions
}

// callEmbeddingAPI is shared logic for calling OpenAI-compatible embedding APIs.
func callEmbeddingAPI(client *http.Client, url, apiKey, model string, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": model,
		"input": texts,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Sort by index to maintain order
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}

	return embeddings, nil
}

// LocalEmbedder generates on-device embeddings for offline operation using
// feature hashing: word n-grams for topical similarity plus character
// trigrams so typos and word variants still land near each other.
type LocalEmbedder struct {
	dimensions int
	stopwords  map[string]bool
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{
		dimensions: 512,
		stopwords:  buildStopwords(),
	}
}

func buildStopwords() map[string]bool {
	words := []string{
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "as", "is", "was", "are", "were", "been",
		"be", "have", "has", "had", "do", "does", "did", "will", "would",
		"it", "its", "this", "that", "these", "those", "i", "you", "we",
		"they", "what", "which", "who", "where", "when", "why", "how",
		"not", "no", "so", "than", "too", "very", "just", "also", "now",
	}
	m := make(map[string]bool)
	for _, w := range words {
		m[w] = true
	}
	return m
}

func (e *LocalEmbedder) Embed(text string) ([]float32, error) {
	return e.generateEmbedding(text), nil
}

func (e *LocalEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = e.generateEmbedding(text)
	}
	return embeddings, nil
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *LocalEmbedder) generateEmbedding(text string) []float32 {
	embedding := make([]float32, e.dimensions)

	text = strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return embedding
	}

	// Word features get most of the space, character trigrams the rest.
	wordDims := e.dimensions * 4 / 5
	e.addWordFeatures(embedding[:wordDims], words)
	e.addCharFeatures(embedding[wordDims:], text)

	normalize(embedding)
	return embedding
}

// addWordFeatures hashes unigrams and bigrams into the vector. Words near
// the start or end of the text carry extra weight.
func (e *LocalEmbedder) addWordFeatures(embedding []float32, words []string) {
	dims := len(embedding)

	for n := 1; n <= 2; n++ {
		weight := 1.0 / float32(n)
		for i := 0; i <= len(words)-n; i++ {
			if n == 1 && e.stopwords[words[i]] {
				continue
			}
			ngram := strings.Join(words[i:i+n], " ")

			posWeight := float32(1.0)
			if i < 3 || i >= len(words)-3 {
				posWeight = 1.5
			}

			// Two hash positions per feature reduce collisions.
			embedding[hashString(ngram)%dims] += weight * posWeight
			embedding[hashString(ngram+"_2")%dims] -= weight * posWeight * 0.5
		}
	}
}

func (e *LocalEmbedder) addCharFeatures(embedding []float32, text string) {
	dims := len(embedding)
	if dims == 0 {
		return
	}
	for i := 0; i < len(text)-2; i++ {
		embedding[hashString("char_"+text[i:i+3])%dims] += 0.1
	}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' && r != '-'
	})
	result := make([]string, 0, len(fields))
	for _, word := range fields {
		if len(word) > 1 { // Skip single characters
			result = append(result, word)
		}
	}
	return result
}

func hashString(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}

// normalize scales a vector to unit length.
func normalize(v []float32) {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range v {
			v[i] /= norm
		}
	}
}

// GetEmbedder returns the best available embedder. XYLEM_EMBEDDER forces a
// specific backend; XYLEM_AIR_GAPPED forces local with no API calls at all.
// Otherwise API embedders are preferred when keys are present, and any
// API-based choice is wrapped with a sticky fallback to local.
func GetEmbedder() Embedder {
	embedder := getEmbedderInner()
	if _, isLocal := embedder.(*LocalEmbedder); !isLocal {
		return NewFallbackEmbedder(embedder)
	}
	return embedder
}

func getEmbedderInner() Embedder {
	if v := os.Getenv("XYLEM_AIR_GAPPED"); v == "1" || v == "true" {
		return NewLocalEmbedder()
	}

	switch os.Getenv("XYLEM_EMBEDDER") {
	case "openai":
		embedder, err := NewOpenAIEmbedder()
		if err == nil {
			fmt.Fprintln(os.Stderr, "🧠 Using OpenAI embeddings (explicit override)")
			return embedder
		}
		fmt.Fprintf(os.Stderr, "⚠️  OpenAI embedder unavailable: %v, falling back\n", err)
	case "gemini":
		embedder, err := NewGeminiEmbedder()
		if err == nil {
			fmt.Fprintln(os.Stderr, "🧠 Using Gemini embeddings (explicit override)")
			return embedder
		}
		fmt.Fprintf(os.Stderr, "⚠️  Gemini embedder unavailable: %v, falling back\n", err)
	case "local":
		fmt.Fprintln(os.Stderr, "🧠 Using local embeddings (explicit override)")
		return NewLocalEmbedder()
	}

	if os.Getenv("OPENAI_API_KEY") != "" {
		if embedder, err := NewOpenAIEmbedder(); err == nil {
			fmt.Fprintln(os.Stderr, "🧠 Using OpenAI embeddings")
			return embedder
		}
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		if embedder, err := NewGeminiEmbedder(); err == nil {
			fmt.Fprintln(os.Stderr, "🧠 Using Gemini embeddings")
			return embedder
		}
	}

	fmt.Fprintln(os.Stderr, "🧠 Using local embeddings")
	return NewLocalEmbedder()
}
