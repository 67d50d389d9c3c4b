// Package sqlite persists knowledge snapshots (documents, chunks, vectors and
// the vocabulary) in a single SQLite file using the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // SQLite driver

	"himcore/internal/domain"
	"himcore/internal/service"
	"himcore/internal/store/sqlite/migrations"
)

const metaObservedChunks = "observed_chunks"

// Store is a snapshot store backed by one SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. ":memory:" keeps it
// in process.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Path() string { return s.path }

// migrate applies the embedded migrations. The migrator is not closed
// because closing its driver would close s.db.
func (s *Store) migrate(fsys fs.FS) error {
	source, err := iofs.New(fsys, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Save replaces the stored state with snap in one transaction.
func (s *Store) Save(ctx context.Context, snap service.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"chunks", "documents", "vocabulary", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	docStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, seq, type, label, content, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing documents insert: %w", err)
	}
	defer docStmt.Close()
	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, idx, text, start_byte, end_byte,
			token_start, token_end, overlap_tokens, overlap_bytes, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunks insert: %w", err)
	}
	defer chunkStmt.Close()

	for _, stored := range snap.Documents {
		d := stored.Document
		if _, err := docStmt.ExecContext(ctx, d.ID, d.Seq, string(d.Type), d.Label, d.Content, d.Summary,
			d.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("saving document %s: %w", d.ID, err)
		}
		for i, ch := range stored.Chunks {
			var vec []float64
			if i < len(stored.Vectors) {
				vec = stored.Vectors[i]
			}
			if _, err := chunkStmt.ExecContext(ctx, ch.ID, ch.DocumentID, ch.Index, ch.Text, ch.Start, ch.End,
				ch.TokenStart, ch.TokenEnd, ch.OverlapTokens, ch.OverlapBytes, EncodeVector(vec)); err != nil {
				return fmt.Errorf("saving chunk %s: %w", ch.ID, err)
			}
		}
	}

	vocab := snap.Vocabulary
	termStmt, err := tx.PrepareContext(ctx, "INSERT INTO vocabulary (dim, term, df) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing vocabulary insert: %w", err)
	}
	defer termStmt.Close()
	for i, term := range vocab.Terms {
		df := 0
		if i < len(vocab.DF) {
			df = vocab.DF[i]
		}
		if _, err := termStmt.ExecContext(ctx, i, term, df); err != nil {
			return fmt.Errorf("saving term %q: %w", term, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)",
		metaObservedChunks, strconv.Itoa(vocab.Docs)); err != nil {
		return fmt.Errorf("saving vocabulary size: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the stored state. An empty database yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (service.Snapshot, error) {
	var snap service.Snapshot

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, type, label, content, summary, created_at
		FROM documents ORDER BY seq`)
	if err != nil {
		return snap, fmt.Errorf("query documents: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		var (
			d       domain.Document
			typ     string
			created string
		)
		if err := rows.Scan(&d.ID, &d.Seq, &typ, &d.Label, &d.Content, &d.Summary, &created); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan document: %w", err)
		}
		d.Type = domain.DocType(typ)
		if d.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			rows.Close()
			return snap, fmt.Errorf("document %s created_at: %w", d.ID, err)
		}
		index[d.ID] = len(snap.Documents)
		snap.Documents = append(snap.Documents, service.StoredDocument{Document: d})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("query documents: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, document_id, idx, text, start_byte, end_byte,
			token_start, token_end, overlap_tokens, overlap_bytes, vector
		FROM chunks ORDER BY document_id, idx`)
	if err != nil {
		return snap, fmt.Errorf("query chunks: %w", err)
	}
	for rows.Next() {
		var (
			ch   domain.Chunk
			blob []byte
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Index, &ch.Text, &ch.Start, &ch.End,
			&ch.TokenStart, &ch.TokenEnd, &ch.OverlapTokens, &ch.OverlapBytes, &blob); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			rows.Close()
			return snap, fmt.Errorf("chunk %s: %w", ch.ID, err)
		}
		i, ok := index[ch.DocumentID]
		if !ok {
			continue
		}
		snap.Documents[i].Chunks = append(snap.Documents[i].Chunks, ch)
		snap.Documents[i].Vectors = append(snap.Documents[i].Vectors, vec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("query chunks: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT dim, term, df FROM vocabulary ORDER BY dim")
	if err != nil {
		return snap, fmt.Errorf("query vocabulary: %w", err)
	}
	for rows.Next() {
		var (
			dim, df int
			term    string
		)
		if err := rows.Scan(&dim, &term, &df); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan term: %w", err)
		}
		if dim != len(snap.Vocabulary.Terms) {
			rows.Close()
			return snap, fmt.Errorf("vocabulary has a gap at dimension %d", len(snap.Vocabulary.Terms))
		}
		snap.Vocabulary.Terms = append(snap.Vocabulary.Terms, term)
		snap.Vocabulary.DF = append(snap.Vocabulary.DF, df)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("query vocabulary: %w", err)
	}

	var docs string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaObservedChunks).Scan(&docs)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return snap, fmt.Errorf("query vocabulary size: %w", err)
	default:
		if snap.Vocabulary.Docs, err = strconv.Atoi(docs); err != nil {
			return snap, fmt.Errorf("vocabulary size %q: %w", docs, err)
		}
	}
	return snap, nil
}

// EncodeVector packs v as little-endian float64 values.
func EncodeVector(v []float64) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(x))
	}
	return b
}

// DecodeVector reverses EncodeVector.
func DecodeVector(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d (not multiple of 8)", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
