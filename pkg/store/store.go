// Package store keeps the saved versions of every layer in sqlite. Snapshots are stored base64 encoded
// in a text column.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

type Version struct {
	Layer     string    `json:"layer"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int       `json:"size"`
}

type Store struct {
	database *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS layer_versions (
		layer text not null,
		version integer not null,
		created_at integer not null,
		size integer not null,
		content text not null,
		primary key (layer, version)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	slog.Debug("Ensured layer tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func scanVersion(row interface{ Scan(...any) error }, v *Version) error {
	var created int64
	if err := row.Scan(&v.Layer, &v.Version, &created, &v.Size); err != nil {
		return err
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	return nil
}

// SaveVersion stores content as the next version of layer. Content equal to the latest version is not
// stored again; the latest version is returned with created false.
func (s *Store) SaveVersion(ctx context.Context, layer string, content []byte) (v Version, created bool, err error) {
	encoded := base64.StdEncoding.EncodeToString(content)
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return v, false, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var latest int64
	var latestContent sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT version, content FROM layer_versions WHERE layer = ? ORDER BY version DESC LIMIT 1`, layer,
	).Scan(&latest, &latestContent); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return v, false, fmt.Errorf("failed to query latest version: %w", err)
	}
	if latestContent.Valid && latestContent.String == encoded {
		if err := scanVersion(tx.QueryRowContext(ctx,
			`SELECT layer, version, created_at, size FROM layer_versions WHERE layer = ? AND version = ?`, layer, latest,
		), &v); err != nil {
			return v, false, fmt.Errorf("failed to query latest version: %w", err)
		}
		return v, false, tx.Commit()
	}

	v = Version{Layer: layer, Version: latest + 1, CreatedAt: time.Now().UTC().Truncate(time.Millisecond), Size: len(content)}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO layer_versions (layer, version, created_at, size, content) VALUES (?, ?, ?, ?, ?)`,
		v.Layer, v.Version, v.CreatedAt.UnixMilli(), v.Size, encoded,
	); err != nil {
		return v, false, fmt.Errorf("failed to insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return v, false, fmt.Errorf("failed to commit: %w", err)
	}
	return v, true, nil
}

func (s *Store) load(ctx context.Context, query string, args ...any) ([]byte, Version, error) {
	var v Version
	var created int64
	var raw string
	if err := s.database.QueryRowContext(ctx, query, args...).Scan(&v.Layer, &v.Version, &created, &v.Size, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, v, ErrNotFound
		}
		return nil, v, fmt.Errorf("failed to query version: %w", err)
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	content, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, v, fmt.Errorf("failed to decode: %w", err)
	}
	return content, v, nil
}

// Latest returns the newest version of layer, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, layer string) ([]byte, Version, error) {
	return s.load(ctx,
		`SELECT layer, version, created_at, size, content FROM layer_versions WHERE layer = ? ORDER BY version DESC LIMIT 1`,
		layer,
	)
}

func (s *Store) Get(ctx context.Context, layer string, version int64) ([]byte, Version, error) {
	return s.load(ctx,
		`SELECT layer, version, created_at, size, content FROM layer_versions WHERE layer = ? AND version = ?`,
		layer, version,
	)
}

// ListVersions returns the versions of layer, newest first.
func (s *Store) ListVersions(ctx context.Context, layer string) ([]Version, error) {
	res, err := s.database.QueryContext(ctx,
		`SELECT layer, version, created_at, size FROM layer_versions WHERE layer = ? ORDER BY version DESC`, layer,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(res)
	out := make([]Version, 0)
	for res.Next() {
		var v Version
		if err := scanVersion(res, &v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	return out, res.Err()
}

// Layers returns every layer with at least one version.
func (s *Store) Layers(ctx context.Context) ([]string, error) {
	res, err := s.database.QueryContext(ctx, `SELECT DISTINCT layer FROM layer_versions ORDER BY layer`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer res.Close()
	var out []string
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, res.Err()
}

// Prune deletes all but the newest keep versions of layer and returns how many were removed.
func (s *Store) Prune(ctx context.Context, layer string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.database.ExecContext(ctx,
		`DELETE FROM layer_versions WHERE layer = ? AND version NOT IN (
			SELECT version FROM layer_versions WHERE layer = ? ORDER BY version DESC LIMIT ?
		)`,
		layer, layer, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune: %w", err)
	}
	return res.RowsAffected()
}
