// Package store provides the persistent, per-user face-model gallery: a
// SQLite-backed "faces" table with authenticated encryption at rest and
// strict cross-user isolation (spec.md §4.1).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// EmbeddingDims is the fixed embedding length (spec.md §3).
const EmbeddingDims = 512

// Sentinel errors, named by kind per spec.md §7.
var (
	ErrInvalidEmbedding = errors.New("invalid embedding")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrDbError          = errors.New("database error")
	ErrKeyIoError       = errors.New("key file error")
)

// FaceModel is one row of the gallery (spec.md §3).
type FaceModel struct {
	ID           string
	User         string
	Label        string
	Embedding    []float32
	ModelVersion string
	QualityScore float32
	PoseLabel    string
	CreatedAt    time.Time
}

// ModelInfo is the metadata-only projection returned by List.
type ModelInfo struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	ModelVersion string    `json:"model_version"`
	QualityScore float32   `json:"quality_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the face-model gallery. One Store owns one SQLite connection and
// one encryption key; both are acquired at open and released at Close.
type Store struct {
	db  *sql.DB
	key [keySize]byte
}

// Open opens (creating if absent) the database at dbPath and loads or
// generates the sibling key file at {dir}/.key (spec.md §4.1, §6).
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrDbError, err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrDbError, err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrDbError, err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, ".key"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.key = key

	return s, nil
}

// OpenWithKey opens a store and installs an explicit key, bypassing the key
// file. Intended for in-memory test stores only (spec.md §4.1's "zero key
// is acceptable" carve-out).
func OpenWithKey(dbPath string, key [32]byte) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrDbError, err)
	}
	s := &Store{db: db, key: key}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrDbError, err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS faces (
		id            TEXT PRIMARY KEY,
		user          TEXT NOT NULL,
		label         TEXT NOT NULL,
		embedding     BLOB NOT NULL,
		model_version TEXT NOT NULL,
		quality_score REAL NOT NULL,
		pose_label    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_faces_user ON faces(user);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert validates, encrypts, and stores one embedding, returning its
// freshly generated UUID v4 (spec.md §4.1 insert).
func (s *Store) Insert(user, label string, embedding []float32, quality float32, modelVersion string) (string, error) {
	if err := validateEmbedding(embedding); err != nil {
		return "", err
	}

	blob, err := encrypt(s.key, embedding)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.db.Exec(
		`INSERT INTO faces (id, user, label, embedding, model_version, quality_score, pose_label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, user, label, blob, modelVersion, quality, "frontal", now.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert: %v", ErrDbError, err)
	}

	return id, nil
}

// Gallery returns every row for user with embeddings decrypted
// (spec.md §4.1 gallery). An empty result is not an error.
func (s *Store) Gallery(user string) ([]FaceModel, error) {
	rows, err := s.db.Query(
		`SELECT id, user, label, embedding, model_version, quality_score, pose_label, created_at
		 FROM faces WHERE user = ? ORDER BY created_at ASC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: gallery: %v", ErrDbError, err)
	}
	defer func() { _ = rows.Close() }()

	var out []FaceModel
	for rows.Next() {
		var fm FaceModel
		var blob []byte
		var createdAt string
		if err := rows.Scan(&fm.ID, &fm.User, &fm.Label, &blob, &fm.ModelVersion, &fm.QualityScore, &fm.PoseLabel, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrDbError, err)
		}
		fm.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		embedding, err := decrypt(s.key, blob)
		if err != nil {
			return nil, err
		}
		fm.Embedding = embedding

		out = append(out, fm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDbError, err)
	}
	return out, nil
}

// List returns metadata only, ordered by created_at ascending
// (spec.md §4.1 list).
func (s *Store) List(user string) ([]ModelInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, label, model_version, quality_score, created_at
		 FROM faces WHERE user = ? ORDER BY created_at ASC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrDbError, err)
	}
	defer func() { _ = rows.Close() }()

	out := []ModelInfo{}
	for rows.Next() {
		var mi ModelInfo
		var createdAt string
		if err := rows.Scan(&mi.ID, &mi.Label, &mi.ModelVersion, &mi.QualityScore, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrDbError, err)
		}
		mi.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, mi)
	}
	return out, rows.Err()
}

// Remove deletes the row iff it belongs to user, enforcing cross-user
// isolation (I2); returns whether a row was deleted (spec.md §4.1 remove).
func (s *Store) Remove(user, id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM faces WHERE id = ? AND user = ?`, id, user)
	if err != nil {
		return false, fmt.Errorf("%w: remove: %v", ErrDbError, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDbError, err)
	}
	return n > 0, nil
}

// CountAll returns the total row count across all users, for diagnostics.
func (s *Store) CountAll() (uint64, error) {
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM faces`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrDbError, err)
	}
	return n, nil
}

func validateEmbedding(v []float32) error {
	if len(v) != EmbeddingDims {
		return fmt.Errorf("%w: expected %d dims, got %d", ErrInvalidEmbedding, EmbeddingDims, len(v))
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidEmbedding)
		}
	}
	return nil
}

// CosineSimilarity computes ⟨a,b⟩ / (‖a‖·‖b‖) (spec.md §4.4 matching).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
