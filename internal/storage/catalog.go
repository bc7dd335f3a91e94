package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Catalog is a SQLite index of objects already uploaded, per store.
type Catalog struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Object is one catalogued upload.
type Object struct {
	Store      string
	Key        string
	Checksum   string
	LocalPath  string
	Size       int64
	UploadedAt time.Time
}

func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// migrate applies every embedded migration in file name order. Each one is
// idempotent.
func (c *Catalog) migrate() error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := c.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Lookup returns the object stored under key in store, or ok=false.
func (c *Catalog) Lookup(ctx context.Context, store, key string) (Object, bool, error) {
	o := Object{Store: store}
	var uploaded int64
	row := c.db.QueryRowContext(ctx,
		`SELECT o.key, o.checksum, o.local_path, o.size, p.uploaded_at
		   FROM placements p JOIN objects o ON o.key = p.key
		  WHERE p.store = ? AND p.key = ?`, store, key)
	if err := row.Scan(&o.Key, &o.Checksum, &o.LocalPath, &o.Size, &uploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Object{}, false, nil
		}
		return Object{}, false, fmt.Errorf("lookup object: %w", err)
	}
	o.UploadedAt = time.Unix(0, uploaded)
	return o, true, nil
}

func (c *Catalog) Record(ctx context.Context, o Object) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record object: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (key, checksum, local_path, size, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		o.Key, o.Checksum, o.LocalPath, o.Size, o.UploadedAt.UnixNano()); err != nil {
		return fmt.Errorf("record object: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO placements (store, key, uploaded_at) VALUES (?, ?, ?)`,
		o.Store, o.Key, o.UploadedAt.UnixNano()); err != nil {
		return fmt.Errorf("record placement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record object: %w", err)
	}
	return nil
}

// Forget drops the placement of key in store.
func (c *Catalog) Forget(ctx context.Context, store, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM placements WHERE store = ? AND key = ?`, store, key); err != nil {
		return fmt.Errorf("forget object: %w", err)
	}
	return nil
}

// CatalogStore skips uploads whose content-addressed key is already known
// for the wrapped store. When the store can answer cheaply, a catalogued
// object is also checked for presence before the upload is skipped.
type CatalogStore struct {
	Store   Store
	Catalog *Catalog
}

func (s *CatalogStore) Location() string { return s.Store.Location() }

func (s *CatalogStore) Upload(ctx context.Context, localPath string) (string, error) {
	info, err := Stat(localPath)
	if err != nil {
		return "", err
	}
	loc := s.Store.Location()
	o, ok, err := s.Catalog.Lookup(ctx, loc, info.Key())
	if err != nil {
		return "", err
	}
	if ok {
		present := true
		if c, isChecker := s.Store.(Checker); isChecker {
			if present, err = c.Contains(ctx, o.Key); err != nil {
				return "", err
			}
		}
		if present {
			log.Debug().Str("key", o.Key).Str("store", loc).Time("uploaded_at", o.UploadedAt).Msg("object found in catalog")
			return o.Key, nil
		}
		log.Debug().Str("key", o.Key).Str("store", loc).Msg("catalogued object missing from store")
		if err := s.Catalog.Forget(ctx, loc, o.Key); err != nil {
			return "", err
		}
	}
	key, err := s.Store.Upload(ctx, localPath)
	if err != nil {
		return "", err
	}
	if err := s.Catalog.Record(ctx, Object{
		Store:      loc,
		Key:        key,
		Checksum:   info.Checksum,
		LocalPath:  localPath,
		Size:       info.Size,
		UploadedAt: time.Now(),
	}); err != nil {
		return "", err
	}
	return key, nil
}
