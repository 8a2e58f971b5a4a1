package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kotae/internal/models"
)

const chunkSchema = `
	CREATE TABLE chunks (
		position INTEGER PRIMARY KEY,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		metadata TEXT NOT NULL
	);

	CREATE INDEX idx_chunks_type ON chunks(type);

	CREATE TABLE snapshot_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

// WriteChunks writes chunks, in order, to a new SQLite file at path. The file is built
// next to path and renamed over it, so readers never see a partial list.
func WriteChunks(ctx context.Context, path, name string, chunks []*models.Chunk) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	if err := writeChunkDB(ctx, tmp, name, chunks); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename chunk file: %w", err)
	}
	return nil
}

func writeChunkDB(ctx context.Context, path, name string, chunks []*models.Chunk) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open chunk database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, chunkSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (position, text, type, source, metadata) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ch := range chunks {
		metadataJSON, err := json.Marshal(ch.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of chunk %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, i, ch.Text, string(ch.Type()), ch.Source(), string(metadataJSON)); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}

	info := map[string]string{
		"name":       name,
		"count":      fmt.Sprint(len(chunks)),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range info {
		if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_info (key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadChunks returns the chunks stored at path ordered by position.
func ReadChunks(ctx context.Context, path string) ([]*models.Chunk, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT position, text, metadata FROM chunks ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var (
			pos          int
			text         string
			metadataJSON string
		)
		if err := rows.Scan(&pos, &text, &metadataJSON); err != nil {
			return nil, err
		}
		if pos != len(chunks) {
			return nil, fmt.Errorf("chunk positions are not contiguous: expected %d, got %d", len(chunks), pos)
		}
		ch := &models.Chunk{Text: text}
		if err := json.Unmarshal([]byte(metadataJSON), &ch.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of chunk %d: %w", pos, err)
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks stored at path without loading them.
func CountChunks(ctx context.Context, path string) (int, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk database: %w", err)
	}
	defer db.Close()
	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}
