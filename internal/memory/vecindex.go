package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex manages one sqlite-vec vector index for fast KNN queries. The
// store keeps two: one over thoughts, one over the knowledge graph. If the
// extension fails to load, all operations are no-ops and search falls back
// to brute-force cosine similarity.
type vecIndex struct {
	db         *sql.DB
	name       string // table prefix: "thought" or "graph"
	dimensions int
	available  bool
}

type vecResult struct {
	RecordID string // canonical table:id form
	Distance float64
}

func newVecIndex(db *sql.DB, name string, dimensions int) *vecIndex {
	vi := &vecIndex{db: db, name: name, dimensions: dimensions}
	if err := vi.ensureSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  sqlite-vec not available for %s index, using linear scan: %v\n", name, err)
		vi.available = false
	} else {
		vi.available = true
	}
	return vi
}

func (vi *vecIndex) embedTable() string { return vi.name + "_embeddings" }
func (vi *vecIndex) idTable() string    { return vi.name + "_vec_ids" }
func (vi *vecIndex) dimKey() string     { return vi.name + "_dimensions" }

func (vi *vecIndex) ensureSchema() error {
	// Verify vec0 extension is loaded
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	// Metadata table to track embedding dimensions
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}

	// ID mapping table (vec0 requires integer rowids, our records use text IDs)
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS ` + vi.idTable() + ` (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}

	// Handle dimension changes (e.g. switching from local to OpenAI embedder)
	vi.handleDimensionChange()

	// Create vec0 virtual table with cosine distance
	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.embedTable(), vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	// Record current dimensions
	vi.db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES (?, ?)`,
		vi.dimKey(), fmt.Sprintf("%d", vi.dimensions))

	return nil
}

// handleDimensionChange detects if the embedder dimensions changed since last
// run and drops the vec0 table so it can be recreated with the correct
// dimensions.
func (vi *vecIndex) handleDimensionChange() {
	var storedDim string
	err := vi.db.QueryRow(`SELECT value FROM vec_metadata WHERE key = ?`, vi.dimKey()).Scan(&storedDim)
	if err != nil {
		return // No stored dimensions yet, first run
	}
	if storedDim == fmt.Sprintf("%d", vi.dimensions) {
		return // Dimensions match
	}

	// Dimension mismatch - drop and recreate
	fmt.Fprintf(os.Stderr, "⚠️  Embedding dimensions changed (%s -> %d), rebuilding %s index\n",
		storedDim, vi.dimensions, vi.name)
	vi.db.Exec(`DROP TABLE IF EXISTS ` + vi.embedTable())
	vi.db.Exec(`DELETE FROM ` + vi.idTable())
}

// Insert adds or replaces a record's embedding in the vec0 index.
func (vi *vecIndex) Insert(recordID string, embedding []float32) error {
	if !vi.available || len(embedding) == 0 || len(embedding) != vi.dimensions {
		return nil
	}

	// Get or create vec_id for this record
	var vecID int64
	err := vi.db.QueryRow(`SELECT vec_id FROM `+vi.idTable()+` WHERE record_id = ?`, recordID).Scan(&vecID)
	if err == sql.ErrNoRows {
		result, err := vi.db.Exec(`INSERT INTO `+vi.idTable()+` (record_id) VALUES (?)`, recordID)
		if err != nil {
			return fmt.Errorf("failed to create vec ID mapping: %w", err)
		}
		vecID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 doesn't support ON CONFLICT, so delete first if exists
	vi.db.Exec(`DELETE FROM `+vi.embedTable()+` WHERE rowid = ?`, vecID)

	_, err = vi.db.Exec(`INSERT INTO `+vi.embedTable()+` (rowid, embedding) VALUES (?, ?)`, vecID, blob)
	if err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}

	return nil
}

// Search performs a KNN query and returns record IDs with cosine distances.
func (vi *vecIndex) Search(queryEmbedding []float32, limit int) ([]vecResult, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	// Step 1: KNN query on vec0 (returns rowids + distances)
	rows, err := vi.db.Query(`
		SELECT rowid, distance
		FROM `+vi.embedTable()+`
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type rowResult struct {
		rowID    int64
		distance float64
	}
	var rowResults []rowResult
	for rows.Next() {
		var r rowResult
		if err := rows.Scan(&r.rowID, &r.distance); err != nil {
			continue
		}
		rowResults = append(rowResults, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rowResults) == 0 {
		return nil, nil
	}

	// Step 2: Batch-map rowids to record_ids
	placeholders := make([]string, len(rowResults))
	args := make([]interface{}, len(rowResults))
	for i, rr := range rowResults {
		placeholders[i] = "?"
		args[i] = rr.rowID
	}

	mapRows, err := vi.db.Query(
		`SELECT vec_id, record_id FROM `+vi.idTable()+` WHERE vec_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer mapRows.Close()

	idMap := make(map[int64]string)
	for mapRows.Next() {
		var vecID int64
		var recID string
		if err := mapRows.Scan(&vecID, &recID); err != nil {
			continue
		}
		idMap[vecID] = recID
	}

	// Build results preserving KNN order
	var results []vecResult
	for _, rr := range rowResults {
		if recID, ok := idMap[rr.rowID]; ok {
			results = append(results, vecResult{RecordID: recID, Distance: rr.distance})
		}
	}

	return results, nil
}

// Delete removes a record from the vec0 index.
func (vi *vecIndex) Delete(recordID string) error {
	if !vi.available {
		return nil
	}
	var vecID int64
	if err := vi.db.QueryRow(`SELECT vec_id FROM `+vi.idTable()+` WHERE record_id = ?`, recordID).Scan(&vecID); err != nil {
		return nil // Not in vec index
	}
	vi.db.Exec(`DELETE FROM `+vi.embedTable()+` WHERE rowid = ?`, vecID)
	vi.db.Exec(`DELETE FROM `+vi.idTable()+` WHERE vec_id = ?`, vecID)
	return nil
}

// Backfill populates the vec0 index from stored rows that have embeddings
// but are missing from the index. The query must return (id, embedding JSON)
// pairs; ids are indexed under the given table prefix. Returns the number of
// rows backfilled.
func (vi *vecIndex) Backfill(table, query string) (int, error) {
	if !vi.available {
		return 0, nil
	}

	rows, err := vi.db.Query(query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			continue
		}

		recordID := table + ":" + id
		var exists int64
		if err := vi.db.QueryRow(`SELECT vec_id FROM `+vi.idTable()+` WHERE record_id = ?`, recordID).Scan(&exists); err == nil {
			continue // Already indexed
		}

		var embedding []float32
		if err := json.Unmarshal([]byte(embJSON), &embedding); err != nil {
			continue
		}
		if len(embedding) != vi.dimensions {
			continue // Skip mismatched dimensions
		}

		if err := vi.Insert(recordID, embedding); err != nil {
			continue
		}
		count++
	}

	return count, nil
}
