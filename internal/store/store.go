// Package store is Datify's embedded relational state store: a single
// modernc.org/sqlite-backed file, foreign keys on, update triggers
// maintaining updated_at, a retention trigger bounding metrics history to
// 24h, and typed repository methods per entity. Per spec.md §4.E, SQLite
// has no true multi-writer SERIALIZABLE, so multi-row transactions
// (branch creation) take writeMu for the duration of the
// transaction rather than relying on the database's own isolation level.
package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datify-sh/datify/internal/apperr"
	"github.com/datify-sh/datify/internal/domain"
)

// Store is the single shared connection to the state store file.
type Store struct {
	db *sql.DB

	// writeMu simulates SERIALIZABLE for the rare multi-row transactions
	// in branching (§4.E's escape hatch). Single-row
	// operations don't need it; SQLite's own locking already serializes
	// those.
	writeMu sync.Mutex
}

// dsnToPath strips a "file:" URI prefix some callers use for DATABASE_URL,
// since modernc.org/sqlite's driver accepts a bare path plus pragma query
// params.
func dsnToPath(dsn string) string {
	return strings.TrimPrefix(dsn, "file:")
}

// Open opens (creating if absent) the sqlite file at dsn, enables foreign
// keys, and runs pending migrations.
func Open(dsn string) (*Store, error) {
	path := dsnToPath(dsn)
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "open sqlite", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers over one *sql.DB

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.CodeStoreError, "enable foreign keys", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithWriteLock runs fn holding the store's single write-mutex, for
// multi-row transactions that need SERIALIZABLE-equivalent isolation
// (branch creation's child-row insert).
func (s *Store) WithWriteLock(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "begin tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "commit tx", err)
	}
	return nil
}

func nowISO() string { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z") }

// AllocatedPorts implements ports.Store: every port currently bound to a
// non-null container, for reconciling the in-memory allocator at startup.
func (s *Store) AllocatedPorts() ([]int, error) {
	rows, err := s.db.Query(`SELECT port FROM databases WHERE container_id IS NOT NULL AND port IS NOT NULL`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "query allocated ports", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreError, "scan port", err)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// --- Users ---------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role) VALUES (?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, string(u.Role))
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.CodeDuplicateName, "email already registered")
		}
		return apperr.Wrap(apperr.CodeStoreError, "insert user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var role, createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.CodeNotFound, "user not found")
		}
		return nil, apperr.Wrap(apperr.CodeStoreError, "scan user", err)
	}
	u.Role = domain.Role(role)
	u.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
	u.UpdatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", updatedAt)
	return &u, nil
}

// --- Projects --------------------------------------------------------------

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_user_id, name, slug, settings) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.OwnerUserID, p.Name, p.Slug, p.Settings)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.CodeDuplicateName, "project slug already taken")
		}
		return apperr.Wrap(apperr.CodeStoreError, "insert project", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, name, slug, settings, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	var p domain.Project
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.OwnerUserID, &p.Name, &p.Slug, &p.Settings, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.CodeNotFound, "project not found")
		}
		return nil, apperr.Wrap(apperr.CodeStoreError, "scan project", err)
	}
	p.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
	p.UpdatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", updatedAt)
	return &p, nil
}

// DeleteProject cascades to databases via the foreign key's ON DELETE
// CASCADE; callers that need force-teardown of containers must still stop
// and remove each database's container beforehand (the store does not
// reach into the container runtime).
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreError, "delete project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "project not found")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
