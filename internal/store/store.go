package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInviteConsumed = errors.New("invite expired or already redeemed")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS invites (
	id          TEXT PRIMARY KEY,
	token_hash  TEXT NOT NULL UNIQUE,
	role        TEXT NOT NULL,
	created_by  TEXT REFERENCES users(id) ON DELETE CASCADE,
	created_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL,
	redeemed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS claims (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session     TEXT NOT NULL,
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL,
	released_at TIMESTAMP,
	reason      TEXT
);
CREATE TABLE IF NOT EXISTS audit_log (
	id      TEXT PRIMARY KEY,
	ts      TIMESTAMP NOT NULL,
	kind    TEXT NOT NULL,
	session TEXT,
	actor   TEXT,
	detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_claims_session ON claims(session);
`

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type Invite struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
}

type AuditEvent struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Store owns the SQLite database. The core only appends (claims, audit);
// reads serve the REST surface.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) UpsertUser(u User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, u.Role, u.CreatedAt,
	)
	return err
}

func (s *Store) GetUser(id string) (User, error) {
	var u User
	err := s.db.QueryRow(`SELECT id, name, role, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) CreateInvite(tokenHash, role, createdBy string, expiresAt time.Time) (Invite, error) {
	inv := Invite{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	_, err := s.db.Exec(
		`INSERT INTO invites (id, token_hash, role, created_by, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, tokenHash, inv.Role, inv.CreatedBy, inv.CreatedAt, inv.ExpiresAt,
	)
	if err != nil {
		return Invite{}, fmt.Errorf("create invite: %w", err)
	}
	return inv, nil
}

func (s *Store) ListInvites() ([]Invite, error) {
	rows, err := s.db.Query(
		`SELECT id, role, created_by, created_at, expires_at, redeemed_at FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		var createdBy sql.NullString
		if err := rows.Scan(&inv.ID, &inv.Role, &createdBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.RedeemedAt); err != nil {
			return nil, err
		}
		inv.CreatedBy = createdBy.String
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

func (s *Store) DeleteInvite(id string) error {
	res, err := s.db.Exec(`DELETE FROM invites WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RedeemInvite consumes an unexpired, unredeemed invite matching the token
// hash and creates the user it grants. One-time use is enforced in the same
// transaction that creates the user.
func (s *Store) RedeemInvite(tokenHash, name string) (User, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	var inviteID, role string
	err = tx.QueryRow(
		`SELECT id, role FROM invites WHERE token_hash = ? AND redeemed_at IS NULL AND expires_at > ?`,
		tokenHash, time.Now().UTC(),
	).Scan(&inviteID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInviteConsumed
	}
	if err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE invites SET redeemed_at = ? WHERE id = ?`, now, inviteID); err != nil {
		return User{}, err
	}

	u := User{ID: uuid.NewString(), Name: name, Role: role, CreatedAt: now}
	if _, err := tx.Exec(
		`INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Role, u.CreatedAt,
	); err != nil {
		return User{}, err
	}
	return u, tx.Commit()
}

// OpenClaim appends a claim acquisition row.
func (s *Store) OpenClaim(session, holder string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO claims (session, holder, acquired_at) VALUES (?, ?, ?)`,
		session, holder, at.UTC(),
	)
	return err
}

// CloseClaim marks the latest open claim row for the session released.
func (s *Store) CloseClaim(session, reason string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE claims SET released_at = ?, reason = ?
		 WHERE id = (SELECT id FROM claims WHERE session = ? AND released_at IS NULL ORDER BY id DESC LIMIT 1)`,
		at.UTC(), reason, session,
	)
	return err
}

func (s *Store) AppendAudit(ev AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, ts, kind, session, actor, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.At, ev.Kind, ev.Session, ev.Actor, ev.Detail,
	)
	return err
}

func (s *Store) ListAudit(limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, kind, session, actor, detail FROM audit_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var session, actor, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.At, &ev.Kind, &session, &actor, &detail); err != nil {
			return nil, err
		}
		ev.Session, ev.Actor, ev.Detail = session.String, actor.String, detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
