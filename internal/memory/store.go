// Package memory provides the local store for xylem: the narrative thought
// stream and the knowledge-graph collections, backed by SQLite with
// sqlite-vec KNN indexes.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Thought is one timestamped entry in the narrative stream.
type Thought struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Origin      string    `json:"origin"` // human, tool, or model
	Tags        []string  `json:"tags,omitempty"`
	Private     bool      `json:"private,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	// Continuity links, stored in canonical table:id form (or the raw id
	// when the target was unresolved at write time).
	PreviousThoughtID string    `json:"previous_thought_id,omitempty"`
	RevisesThought    string    `json:"revises_thought,omitempty"`
	BranchFrom        string    `json:"branch_from,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Entity is a node in the knowledge graph.
type Entity struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Observation is a fact attached to an entity.
type Observation struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	Text        string    `json:"text"`
	Origin      string    `json:"origin"`
	ContentHash string    `json:"content_hash,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store provides local storage using SQLite.
type Store struct {
	db       *sql.DB
	dataDir  string
	embedder Embedder

	// Vector indexes for fast KNN (nil-safe: fall back to linear scan)
	thoughtVec *vecIndex
	graphVec   *vecIndex
}

// GetDB returns the underlying SQL database handle.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// NewStore opens (or creates) the store under XYLEM_DATA_DIR, defaulting to
// ~/.xylem.
func NewStore() (*Store, error) {
	dataDir := os.Getenv("XYLEM_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".xylem")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "xylem.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:       db,
		dataDir:  dataDir,
		embedder: GetEmbedder(),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	dims := store.embedder.Dimensions()
	store.thoughtVec = newVecIndex(db, "thought", dims)
	store.graphVec = newVecIndex(db, "graph", dims)

	fmt.Fprintf(os.Stderr, "📁 Memory store: %s\n", dbPath)
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thoughts (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		origin TEXT DEFAULT 'human',
		tags TEXT,
		private INTEGER DEFAULT 0,
		content_hash TEXT,
		embedding TEXT,
		previous_thought_id TEXT,
		revises_thought TEXT,
		branch_from TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_thoughts_created_at ON thoughts(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_thoughts_content_hash ON thoughts(content_hash);

	CREATE TABLE IF NOT EXISTS thought_tags (
		thought_id TEXT,
		tag TEXT,
		FOREIGN KEY (thought_id) REFERENCES thoughts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_thought_tags_tag ON thought_tags(tag);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		text TEXT NOT NULL,
		origin TEXT DEFAULT 'tool',
		content_hash TEXT,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id);
	CREATE INDEX IF NOT EXISTS idx_observations_content_hash ON observations(content_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// contentHash calculates the SHA256 fingerprint used for deduplication.
func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// SaveThought stores a new thought. An existing thought with the same content
// hash is returned instead of creating a duplicate. Continuity fields are
// stored as supplied; resolution happens before this call.
func (s *Store) SaveThought(ctx context.Context, t Thought) (*Thought, error) {
	if strings.TrimSpace(t.Text) == "" {
		return nil, fmt.Errorf("thought text is required")
	}
	if t.Origin == "" {
		t.Origin = "human"
	}

	hash := contentHash(t.Text)

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM thoughts WHERE content_hash = ?`, hash).Scan(&existingID)
	if err == nil {
		return s.GetThought(ctx, existingID)
	}

	if t.ID == "" {
		t.ID = generateID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.ContentHash = hash

	if len(t.Embedding) == 0 {
		embedding, err := s.embedder.Embed(t.Text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Embedding failed: %v\n", err)
			embedding = make([]float32, s.embedder.Dimensions())
		}
		t.Embedding = embedding
	}

	tagsJSON, _ := json.Marshal(t.Tags)
	embeddingJSON, _ := json.Marshal(t.Embedding)
	private := 0
	if t.Private {
		private = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thoughts (id, text, origin, tags, private, content_hash, embedding,
			previous_thought_id, revises_thought, branch_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Text, t.Origin, string(tagsJSON), private, hash, string(embeddingJSON),
		nullable(t.PreviousThoughtID), nullable(t.RevisesThought), nullable(t.BranchFrom), t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store thought: %w", err)
	}

	for _, tag := range t.Tags {
		s.db.ExecContext(ctx, `INSERT INTO thought_tags (thought_id, tag) VALUES (?, ?)`, t.ID, tag)
	}

	if s.thoughtVec != nil {
		s.thoughtVec.Insert("thoughts:"+t.ID, t.Embedding)
	}

	return &t, nil
}

// GetThought returns a thought by id, or nil if not found.
func (s *Store) GetThought(ctx context.Context, id string) (*Thought, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, origin, tags, private, content_hash, embedding,
			previous_thought_id, revises_thought, branch_from, created_at
		FROM thoughts WHERE id = ?
	`, id)

	t, err := scanThoughtRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListThoughts returns recent thoughts, optionally filtered by tags.
func (s *Store) ListThoughts(ctx context.Context, limit int, filterTags []string) ([]*Thought, error) {
	sqlQuery := `SELECT id, text, origin, tags, private, content_hash, embedding,
		previous_thought_id, revises_thought, branch_from, created_at FROM thoughts`
	args := []interface{}{}

	if len(filterTags) > 0 {
		placeholders := make([]string, len(filterTags))
		for i, tag := range filterTags {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		sqlQuery += ` WHERE id IN (SELECT thought_id FROM thought_tags WHERE tag IN (` + strings.Join(placeholders, ",") + `))`
	}

	sqlQuery += ` ORDER BY created_at DESC`
	if limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list thoughts: %w", err)
	}
	defer rows.Close()

	var thoughts []*Thought
	for rows.Next() {
		t, err := scanThoughtRow(rows.Scan)
		if err != nil {
			continue
		}
		thoughts = append(thoughts, t)
	}
	return thoughts, nil
}

// Forget deletes a thought.
func (s *Store) Forget(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM thoughts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete thought: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thought not found: %s", id)
	}

	s.db.ExecContext(ctx, `DELETE FROM thought_tags WHERE thought_id = ?`, id)
	if s.thoughtVec != nil {
		s.thoughtVec.Delete("thoughts:" + id)
	}
	return nil
}

// CreateEntity inserts a knowledge-graph entity, embedding its name.
func (s *Store) CreateEntity(ctx context.Context, name, entityType string) (*Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("entity name is required")
	}

	// Reuse an existing entity with the same name and type.
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE name = ? AND COALESCE(entity_type, '') = ?`,
		name, entityType).Scan(&existingID)
	if err == nil {
		return s.getEntity(ctx, existingID)
	}

	e := Entity{
		ID:         generateID(),
		Name:       name,
		EntityType: entityType,
		CreatedAt:  time.Now(),
	}
	embedding, err := s.embedder.Embed(name)
	if err != nil {
		embedding = make([]float32, s.embedder.Dimensions())
	}
	e.Embedding = embedding

	embeddingJSON, _ := json.Marshal(e.Embedding)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, entity_type, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.EntityType, string(embeddingJSON), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store entity: %w", err)
	}

	if s.graphVec != nil {
		s.graphVec.Insert("entities:"+e.ID, e.Embedding)
	}
	return &e, nil
}

func (s *Store) getEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	var entityType sql.NullString
	var embeddingJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, embedding, created_at FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &entityType, &embeddingJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entityType.Valid {
		e.EntityType = entityType.String
	}
	json.Unmarshal([]byte(embeddingJSON), &e.Embedding)
	return &e, nil
}

// AddObservation attaches a fact to an entity. Duplicate observations (same
// content hash for the same entity) are returned rather than re-inserted.
func (s *Store) AddObservation(ctx context.Context, entityID, text, origin string) (*Observation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("observation text is required")
	}
	if origin == "" {
		origin = "tool"
	}

	found, err := s.Exists(ctx, "entities", entityID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("entity not found: %s", entityID)
	}

	hash := contentHash(text)
	var existingID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM observations WHERE entity_id = ? AND content_hash = ?`,
		entityID, hash).Scan(&existingID)
	if err == nil {
		return s.getObservation(ctx, existingID)
	}

	o := Observation{
		ID:          generateID(),
		EntityID:    entityID,
		Text:        text,
		Origin:      origin,
		ContentHash: hash,
		CreatedAt:   time.Now(),
	}
	embedding, err := s.embedder.Embed(text)
	if err != nil {
		embedding = make([]float32, s.embedder.Dimensions())
	}
	o.Embedding = embedding

	embeddingJSON, _ := json.Marshal(o.Embedding)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observations (id, entity_id, text, origin, content_hash, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.EntityID, o.Text, o.Origin, hash, string(embeddingJSON), o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store observation: %w", err)
	}

	if s.graphVec != nil {
		s.graphVec.Insert("observations:"+o.ID, o.Embedding)
	}
	return &o, nil
}

func (s *Store) getObservation(ctx context.Context, id string) (*Observation, error) {
	var o Observation
	var hash sql.NullString
	var embeddingJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, text, origin, content_hash, embedding, created_at
		FROM observations WHERE id = ?
	`, id).Scan(&o.ID, &o.EntityID, &o.Text, &o.Origin, &hash, &embeddingJSON, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		o.ContentHash = hash.String
	}
	json.Unmarshal([]byte(embeddingJSON), &o.Embedding)
	return &o, nil
}

// storeTables whitelists the tables reachable through Exists and GetField.
var storeTables = map[string]bool{
	"thoughts":     true,
	"entities":     true,
	"observations": true,
}

// Exists reports whether a record with the given id is present in the table.
// Unknown tables are an error, not a lookup miss.
func (s *Store) Exists(ctx context.Context, table, id string) (bool, error) {
	if !storeTables[table] {
		return false, fmt.Errorf("unknown table: %s", table)
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// storeFields whitelists the columns reachable through GetField, per table.
var storeFields = map[string]map[string]bool{
	"thoughts":     {"text": true, "origin": true, "content_hash": true, "previous_thought_id": true, "revises_thought": true, "branch_from": true},
	"entities":     {"name": true, "entity_type": true},
	"observations": {"text": true, "origin": true, "entity_id": true},
}

// GetField reads a single column from a record. Missing records return
// sql.ErrNoRows so callers can tell "not found" from a transient failure.
func (s *Store) GetField(ctx context.Context, table, id, field string) (string, error) {
	if !storeFields[table][field] {
		return "", fmt.Errorf("unknown field %s.%s", table, field)
	}
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+field+` FROM `+table+` WHERE id = ?`, id).Scan(&value)
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// Count returns the number of stored thoughts, entities, and observations.
func (s *Store) Count(ctx context.Context) (thoughts, entities, observations int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM thoughts`).Scan(&thoughts); err != nil {
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&entities); err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&observations)
	return
}

// Size returns the database file size as a human-readable string.
func (s *Store) Size() (string, error) {
	dbPath := filepath.Join(s.dataDir, "xylem.db")
	info, err := os.Stat(dbPath)
	if err != nil {
		return "unknown", err
	}

	size := info.Size()
	if size < 1024 {
		return fmt.Sprintf("%d B", size), nil
	} else if size < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(size)/1024), nil
	}
	return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024)), nil
}

// LastActivity returns the timestamp of the most recent thought.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM thoughts`).Scan(&last)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !last.Valid || last.String == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05Z",
		time.RFC3339Nano,
	} {
		if ts, err := time.Parse(layout, last.String); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp: %s", last.String)
}

// GetEmbedderDimensions returns the active embedder's dimension count.
func (s *Store) GetEmbedderDimensions() int {
	return s.embedder.Dimensions()
}

// Embedder exposes the store's embedder for the retrieval layer.
func (s *Store) Embedder() Embedder {
	return s.embedder
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanThoughtRow scans one thoughts row via the given Scan function, shared
// between QueryRow and Rows iteration.
func scanThoughtRow(scan func(...interface{}) error) (*Thought, error) {
	var t Thought
	var tagsJSON, embeddingJSON string
	var private int
	var hash, prev, revises, branch sql.NullString

	err := scan(&t.ID, &t.Text, &t.Origin, &tagsJSON, &private, &hash, &embeddingJSON,
		&prev, &revises, &branch, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Private = private != 0
	if hash.Valid {
		t.ContentHash = hash.String
	}
	if prev.Valid {
		t.PreviousThoughtID = prev.String
	}
	if revises.Valid {
		t.RevisesThought = revises.String
	}
	if branch.Valid {
		t.BranchFrom = branch.String
	}
	json.Unmarshal([]byte(tagsJSON), &t.Tags)
	json.Unmarshal([]byte(embeddingJSON), &t.Embedding)
	return &t, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
