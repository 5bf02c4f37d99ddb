// Package mcp implements the Model Context Protocol server for xylem.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CanopyHQ/xylem/internal/continuity"
	"github.com/CanopyHQ/xylem/internal/jobs"
	"github.com/CanopyHQ/xylem/internal/memory"
	"github.com/CanopyHQ/xylem/internal/retrieval"
	"github.com/CanopyHQ/xylem/internal/synthesis"
)

// Server implements the MCP protocol over stdio. The ask tool answers
// asynchronously from a worker goroutine, so all responses go through one
// write-mutexed output stream.
type Server struct {
	store    *memory.Store
	fuser    *retrieval.Fuser
	chain    *synthesis.Chain
	registry *jobs.Registry
	resolver *continuity.Resolver
	log      *zap.Logger

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex
	wg    sync.WaitGroup

	askTimeout   time.Duration
	defaultOrder []string
}

// MemoryStats contains statistics about the memory store.
type MemoryStats struct {
	Thoughts     int    `json:"thoughts"`
	Entities     int    `json:"entities"`
	Observations int    `json:"observations"`
	DatabaseSize string `json:"database_size"`
	LastActivity string `json:"last_activity"`
	ActiveJobs   int    `json:"active_jobs"`
}

// NewServer creates an MCP server over stdin/stdout with the default
// provider chain.
func NewServer(log *zap.Logger) (*Server, error) {
	store, err := memory.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory store: %w", err)
	}
	return newServer(store, DefaultChain(log), log, os.Stdin, os.Stdout), nil
}

func newServer(store *memory.Store, chain *synthesis.Chain, log *zap.Logger, in io.Reader, out io.Writer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	askTimeout := 120 * time.Second
	if raw := os.Getenv("XYLEM_SYNTH_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			askTimeout = d
		} else {
			log.Warn("ignoring invalid XYLEM_SYNTH_TIMEOUT", zap.String("value", raw))
		}
	}
	var defaultOrder []string
	if raw := os.Getenv("XYLEM_SYNTH_PROVIDERS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				defaultOrder = append(defaultOrder, name)
			}
		}
	}

	sources := []retrieval.Source{store.ThoughtSource(), store.GraphSource()}
	return &Server{
		store:        store,
		fuser:        retrieval.NewFuser(store.Embedder(), sources, retrieval.DefaultConfig(), log),
		chain:        chain,
		registry:     jobs.NewRegistry(),
		resolver:     continuity.NewResolver(store, log),
		log:          log,
		in:           in,
		out:          out,
		askTimeout:   askTimeout,
		defaultOrder: defaultOrder,
	}
}

// DefaultChain wires the synthesis providers: local LLM CLIs first, an HTTP
// chat endpoint as the last resort when an API key is present.
func DefaultChain(log *zap.Logger) *synthesis.Chain {
	var providers []synthesis.Provider

	if cmd := os.Getenv("XYLEM_SYNTH_COMMAND"); cmd != "" {
		providers = append(providers, synthesis.NewCLIProvider("custom", cmd, nil, 0))
	}
	providers = append(providers,
		synthesis.NewCLIProvider("claude", "claude", []string{"-p"}, 0),
		synthesis.NewCLIProvider("gemini", "gemini", []string{"-p"}, 0),
	)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, synthesis.NewHTTPProvider(
			"openai", "https://api.openai.com/v1/chat/completions", key, "gpt-4o-mini", 0))
	}

	return synthesis.NewChain(log, providers...)
}

// Start begins the MCP server loop. It returns when stdin closes, after all
// in-flight ask jobs have been answered.
func (s *Server) Start() error {
	fmt.Fprintln(os.Stderr, "🌿 Xylem MCP server ready")

	scanner := bufio.NewScanner(s.in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var request JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &request); err != nil {
			s.sendError(nil, -32700, "Parse error", err.Error())
			continue
		}

		s.handleRequest(&request)
	}

	s.wg.Wait()
	return scanner.Err()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.wg.Wait()
	if s.store != nil {
		s.store.Close()
	}
}

// GetMemoryStats returns statistics about the memory store.
func (s *Server) GetMemoryStats() MemoryStats {
	thoughts, entities, observations, _ := s.store.Count(context.Background())
	size, _ := s.store.Size()
	lastActivity, _ := s.store.LastActivity(context.Background())

	lastActivityStr := "never"
	if !lastActivity.IsZero() {
		lastActivityStr = lastActivity.Format(time.RFC3339)
	}

	return MemoryStats{
		Thoughts:     thoughts,
		Entities:     entities,
		Observations: observations,
		DatabaseSize: size,
		LastActivity: lastActivityStr,
		ActiveJobs:   s.registry.Size(),
	}
}

func (s *Server) handleRequest(req *JSONRPCRequest) {
	ctx := context.Background()

	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "resources/list":
		s.handleResourcesList(req)
	case "resources/read":
		s.handleResourceRead(ctx, req)
	default:
		s.sendError(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "xylem-mcp",
			"version": "0.1.0",
		},
	}
	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	tools := []map[string]interface{}{
		{
			"name":        "think",
			"description": "Record a thought in the narrative stream. Supports continuity links back to earlier thoughts (previous, revises, branch_from).",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text": map[string]interface{}{
						"type":        "string",
						"description": "The thought to record",
					},
					"origin": map[string]interface{}{
						"type":        "string",
						"description": "Who authored this: human, tool, or model (default: human)",
					},
					"tags": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Tags to categorize the thought",
					},
					"private": map[string]interface{}{
						"type":        "boolean",
						"description": "Exclude this thought from search unless explicitly requested",
					},
					"previous_thought_id": map[string]interface{}{
						"type":        "string",
						"description": "Id of the thought this one continues",
					},
					"revises_thought": map[string]interface{}{
						"type":        "string",
						"description": "Id of the thought this one supersedes",
					},
					"branch_from": map[string]interface{}{
						"type":        "string",
						"description": "Id of the thought this one branches from",
					},
				},
				"required": []string{"text"},
			},
		},
		{
			"name":        "search",
			"description": "Search memory by semantic similarity across the thought stream and the knowledge graph. Results are ranked, deduplicated, and carry trust tiers.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "What you're looking for",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum results (default: 10, max: 50)",
					},
					"floor": map[string]interface{}{
						"type":        "number",
						"description": "Minimum similarity; lowered automatically when too few results survive",
					},
					"mix": map[string]interface{}{
						"type":        "number",
						"description": "Fraction of results preferred from the knowledge graph, 0..1 (default: 0.5)",
					},
					"tags": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Keep only results carrying at least one of these tags",
					},
					"exclude_tags": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Drop results carrying any of these tags",
					},
					"include_private": map[string]interface{}{
						"type":        "boolean",
						"description": "Include private thoughts",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			"name":        "ask",
			"description": "Ask a question answered from stored memory. Retrieves evidence, then synthesizes an answer through the provider chain. Runs as a cancellable job; the response arrives when synthesis finishes.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"question": map[string]interface{}{
						"type":        "string",
						"description": "The question to answer from memory",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum evidence items to retrieve (default: 10)",
					},
					"providers": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Provider order override (e.g. [\"claude\", \"openai\"])",
					},
					"include_private": map[string]interface{}{
						"type":        "boolean",
						"description": "Include private thoughts as evidence",
					},
				},
				"required": []string{"question"},
			},
		},
		{
			"name":        "cancel_job",
			"description": "Cancel a running ask job by id. The job's response reports the abort.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"job_id": map[string]interface{}{
						"type":        "string",
						"description": "The id of the job to cancel",
					},
				},
				"required": []string{"job_id"},
			},
		},
		{
			"name":        "list_jobs",
			"description": "List running jobs",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			"name":        "forget",
			"description": "Delete a specific thought by id",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{
						"type":        "string",
						"description": "The id of the thought to forget",
					},
				},
				"required": []string{"id"},
			},
		},
		{
			"name":        "list_thoughts",
			"description": "List recent thoughts, optionally filtered by tags",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of thoughts to return (default: 10)",
					},
					"tags": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Filter by tags",
					},
				},
			},
		},
		{
			"name":        "create_entities",
			"description": "Create knowledge-graph entities. Existing entities with the same name and type are reused.",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entities": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"name": map[string]interface{}{
									"type":        "string",
									"description": "Entity name",
								},
								"entity_type": map[string]interface{}{
									"type":        "string",
									"description": "Entity type (e.g. person, project, technology)",
								},
							},
							"required": []string{"name"},
						},
					},
				},
				"required": []string{"entities"},
			},
		},
		{
			"name":        "add_observations",
			"description": "Attach observations (facts) to a knowledge-graph entity",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entity_id": map[string]interface{}{
						"type":        "string",
						"description": "The id of the entity",
					},
					"observations": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Fact texts to attach",
					},
					"origin": map[string]interface{}{
						"type":        "string",
						"description": "Who authored these: human, tool, or model (default: tool)",
					},
				},
				"required": []string{"entity_id", "observations"},
			},
		},
		{
			"name":        "memory_stats",
			"description": "Get statistics about the memory store",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}

	s.sendResult(req.ID, map[string]interface{}{"tools": tools})
}

func (s *Server) handleToolCall(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	// ask answers asynchronously so the loop stays responsive to cancel_job.
	if params.Name == "ask" {
		s.toolAsk(req.ID, params.Arguments)
		return
	}

	var result interface{}
	var err error

	switch params.Name {
	case "think":
		result, err = s.toolThink(ctx, params.Arguments)
	case "search":
		result, err = s.toolSearch(ctx, params.Arguments)
	case "cancel_job":
		result, err = s.toolCancelJob(params.Arguments)
	case "list_jobs":
		result, err = s.toolListJobs()
	case "forget":
		result, err = s.toolForget(ctx, params.Arguments)
	case "list_thoughts":
		result, err = s.toolListThoughts(ctx, params.Arguments)
	case "create_entities":
		result, err = s.toolCreateEntities(ctx, params.Arguments)
	case "add_observations":
		result, err = s.toolAddObservations(ctx, params.Arguments)
	case "memory_stats":
		result = s.GetMemoryStats()
	default:
		s.sendError(req.ID, -32602, "Unknown tool", params.Name)
		return
	}

	s.sendToolResult(req.ID, result, err)
}

// sendToolResult formats a tool outcome as MCP content.
func (s *Server) sendToolResult(id interface{}, result interface{}, err error) {
	if err != nil {
		s.sendResult(id, map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("Error: %v", err)},
			},
			"isError": true,
		})
		return
	}

	text, _ := json.MarshalIndent(result, "", "  ")
	s.sendResult(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
	})
}

// Tool implementations

func (s *Server) toolThink(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	text, ok := args["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	origin := "human"
	if o, ok := args["origin"].(string); ok && o != "" {
		switch o {
		case "human", "tool", "model":
			origin = o
		default:
			return nil, fmt.Errorf("unknown origin %q", o)
		}
	}

	private, _ := args["private"].(bool)
	tags := stringSlice(args["tags"])

	// The id is assigned before link resolution so self-references can be
	// detected and dropped.
	id := uuid.New().String()
	report := s.resolver.Resolve(ctx, id, continuity.Links{
		Previous: stringArg(args, "previous_thought_id"),
		Revises:  stringArg(args, "revises_thought"),
		Branch:   stringArg(args, "branch_from"),
	})

	saved, err := s.store.SaveThought(ctx, memory.Thought{
		ID:                id,
		Text:              text,
		Origin:            origin,
		Tags:              tags,
		Private:           private,
		PreviousThoughtID: report.Accepted(continuity.LinkPrevious),
		RevisesThought:    report.Accepted(continuity.LinkRevises),
		BranchFrom:        report.Accepted(continuity.LinkBranch),
	})
	if err != nil {
		return nil, err
	}

	status := "stored"
	if saved.ID != id {
		status = "duplicate"
	}

	response := map[string]interface{}{
		"status": status,
		"id":     saved.ID,
	}
	if len(report.Links) > 0 {
		response["continuity"] = report.Links
	}
	return response, nil
}

func (s *Server) toolSearch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("query is required")
	}

	opts := retrieval.Options{
		IncludeTags: stringSlice(args["tags"]),
		ExcludeTags: stringSlice(args["exclude_tags"]),
	}
	if l, ok := args["limit"].(float64); ok {
		opts.TopK = int(l)
	}
	if fl, ok := args["floor"].(float64); ok {
		opts.Floor = fl
	}
	if m, ok := args["mix"].(float64); ok {
		opts.Mix = m
		opts.MixSet = true
	}
	if p, ok := args["include_private"].(bool); ok {
		opts.IncludePrivate = p
	}

	result, err := s.fuser.Retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"query":      query,
		"count":      len(result.Candidates),
		"floor_used": result.FloorUsed,
		"results":    result.Candidates,
	}, nil
}

// toolAsk starts a cancellable retrieval+synthesis job. The JSON-RPC
// response is written from the worker goroutine when the job finishes or is
// aborted.
func (s *Server) toolAsk(reqID interface{}, args map[string]interface{}) {
	question, ok := args["question"].(string)
	if !ok || strings.TrimSpace(question) == "" {
		s.sendToolResult(reqID, nil, fmt.Errorf("question is required"))
		return
	}

	limit := 0
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}
	includePrivate, _ := args["include_private"].(bool)
	order := stringSlice(args["providers"])
	if len(order) == 0 {
		order = s.defaultOrder
	}

	jobID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), s.askTimeout)
	s.registry.Register(jobID, "ask", cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.registry.Unregister(jobID)

		result, err := s.runAsk(ctx, question, limit, includePrivate, order)
		if ctx.Err() == context.Canceled {
			s.sendToolResult(reqID, map[string]interface{}{
				"job_id": jobID,
				"status": "aborted",
			}, nil)
			return
		}
		if err != nil {
			s.sendToolResult(reqID, nil, err)
			return
		}
		result["job_id"] = jobID
		s.sendToolResult(reqID, result, nil)
	}()
}

func (s *Server) runAsk(ctx context.Context, question string, limit int, includePrivate bool, order []string) (map[string]interface{}, error) {
	retrieved, err := s.fuser.Retrieve(ctx, question, retrieval.Options{
		TopK:           limit,
		IncludePrivate: includePrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	prompt := synthesis.BuildPrompt(question, retrieved.Candidates)
	attempt, err := s.chain.Synthesize(ctx, prompt, order, synthesis.SourceIDs(retrieved.Candidates))
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	return map[string]interface{}{
		"status":        "answered",
		"answer":        attempt.Answer,
		"provider":      attempt.Provider,
		"fallback_used": attempt.FallbackUsed,
		"sources":       attempt.Sources,
		"evidence":      len(retrieved.Candidates),
	}, nil
}

func (s *Server) toolCancelJob(args map[string]interface{}) (interface{}, error) {
	jobID, ok := args["job_id"].(string)
	if !ok || jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	if !s.registry.Abort(jobID) {
		return map[string]interface{}{
			"job_id": jobID,
			"status": "not_found",
		}, nil
	}

	return map[string]interface{}{
		"job_id": jobID,
		"status": "cancelling",
	}, nil
}

func (s *Server) toolListJobs() (interface{}, error) {
	live := s.registry.List()
	jobsOut := make([]map[string]interface{}, len(live))
	for i, j := range live {
		jobsOut[i] = map[string]interface{}{
			"id":         j.ID,
			"kind":       j.Kind,
			"started_at": j.StartedAt.Format(time.RFC3339),
		}
	}
	return map[string]interface{}{
		"count": len(jobsOut),
		"jobs":  jobsOut,
	}, nil
}

func (s *Server) toolForget(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("id is required")
	}

	if err := s.store.Forget(ctx, id); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"status": "forgotten",
		"id":     id,
	}, nil
}

func (s *Server) toolListThoughts(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	limit := 10
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}
	tags := stringSlice(args["tags"])

	thoughts, err := s.store.ListThoughts(ctx, limit, tags)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, len(thoughts))
	for i, t := range thoughts {
		results[i] = map[string]interface{}{
			"id":         t.ID,
			"text":       truncate(t.Text, 200),
			"origin":     t.Origin,
			"tags":       t.Tags,
			"created_at": t.CreatedAt.Format(time.RFC3339),
		}
	}

	return map[string]interface{}{
		"count":    len(results),
		"thoughts": results,
	}, nil
}

func (s *Server) toolCreateEntities(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw, ok := args["entities"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("entities is required")
	}

	created := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		entry, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		entityType, _ := entry["entity_type"].(string)

		e, err := s.store.CreateEntity(ctx, name, entityType)
		if err != nil {
			return nil, err
		}
		created = append(created, map[string]interface{}{
			"id":          e.ID,
			"name":        e.Name,
			"entity_type": e.EntityType,
		})
	}

	return map[string]interface{}{
		"count":    len(created),
		"entities": created,
	}, nil
}

func (s *Server) toolAddObservations(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	entityID, ok := args["entity_id"].(string)
	if !ok || entityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	texts := stringSlice(args["observations"])
	if len(texts) == 0 {
		return nil, fmt.Errorf("observations is required")
	}
	origin := "tool"
	if o, ok := args["origin"].(string); ok && o != "" {
		origin = o
	}

	added := make([]string, 0, len(texts))
	for _, text := range texts {
		o, err := s.store.AddObservation(ctx, entityID, text, origin)
		if err != nil {
			return nil, err
		}
		added = append(added, o.ID)
	}

	return map[string]interface{}{
		"entity_id":    entityID,
		"count":        len(added),
		"observations": added,
	}, nil
}

// Resources

func (s *Server) handleResourcesList(req *JSONRPCRequest) {
	resources := []map[string]interface{}{
		{
			"uri":         "xylem://thoughts/recent",
			"name":        "Recent Thoughts",
			"description": "List of most recent thoughts",
			"mimeType":    "application/json",
		},
		{
			"uri":         "xylem://memory/stats",
			"name":        "Memory Statistics",
			"description": "Statistics about the memory store",
			"mimeType":    "application/json",
		},
		{
			"uri":         "xylem://context/session",
			"name":        "Session Context",
			"description": "Pre-loaded context for session start",
			"mimeType":    "text/markdown",
		},
	}

	s.sendResult(req.ID, map[string]interface{}{"resources": resources})
}

func (s *Server) handleResourceRead(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		URI string `json:"uri"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	var content interface{}
	var err error

	switch params.URI {
	case "xylem://thoughts/recent":
		content, err = s.toolListThoughts(ctx, map[string]interface{}{"limit": float64(10)})
	case "xylem://memory/stats":
		content = s.GetMemoryStats()
	case "xylem://context/session":
		contextMd, err := s.buildSessionContext(ctx)
		if err != nil {
			s.sendError(req.ID, -32603, "Internal error", err.Error())
			return
		}
		s.sendResult(req.ID, map[string]interface{}{
			"contents": []map[string]interface{}{
				{
					"uri":      params.URI,
					"mimeType": "text/markdown",
					"text":     contextMd,
				},
			},
		})
		return
	default:
		s.sendError(req.ID, -32602, "Unknown resource", params.URI)
		return
	}

	if err != nil {
		s.sendError(req.ID, -32603, "Internal error", err.Error())
		return
	}

	text, _ := json.MarshalIndent(content, "", "  ")
	s.sendResult(req.ID, map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     string(text),
			},
		},
	})
}

// buildSessionContext creates a markdown summary for session preload.
func (s *Server) buildSessionContext(ctx context.Context) (string, error) {
	var sb strings.Builder

	sb.WriteString("# Xylem Session Context\n\n")

	recent, err := s.store.ListThoughts(ctx, 10, nil)
	if err != nil {
		return "", err
	}

	if len(recent) > 0 {
		sb.WriteString("## Recent Thoughts\n\n")
		for _, t := range recent {
			sb.WriteString(fmt.Sprintf("**%s**", t.CreatedAt.Format("Jan 2 15:04")))
			if len(t.Tags) > 0 {
				sb.WriteString(fmt.Sprintf(" [%s]", strings.Join(t.Tags, ", ")))
			}
			sb.WriteString("\n")
			sb.WriteString(truncate(t.Text, 500))
			sb.WriteString("\n\n")
		}
	}

	for _, tag := range []string{"decision", "critical"} {
		tagged, _ := s.store.ListThoughts(ctx, 5, []string{tag})
		if len(tagged) > 0 {
			sb.WriteString(fmt.Sprintf("## Tagged: %s\n\n", tag))
			for _, t := range tagged {
				sb.WriteString(fmt.Sprintf("- %s\n", truncate(t.Text, 300)))
			}
			sb.WriteString("\n")
		}
	}

	stats := s.GetMemoryStats()
	sb.WriteString(fmt.Sprintf("---\n*%d thoughts, %d entities, %d observations | Last activity: %s*\n",
		stats.Thoughts, stats.Entities, stats.Observations, stats.LastActivity))

	return sb.String(), nil
}

// JSON-RPC types and helpers

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id interface{}, code int, message, data string) {
	s.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// write serializes one response line. The mutex keeps async job responses
// from interleaving with loop responses.
func (s *Server) write(resp JSONRPCResponse) {
	data, _ := json.Marshal(resp)
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, string(data))
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
