package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coder/cmux/internal/audit"
)

const tokenPrefix = "cmux_"

// tokenColumns is the SELECT list every token query shares, kept in one
// place so scanToken stays in sync with it.
const tokenColumns = "id, name, scope, created_at, last_used_at, expires_at"

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Store persists the bearer tokens accepted by POST /ipc and GET
// /ws?token= in a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite-backed token store
// under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_scope ON tokens(scope);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// mintTokenID produces a fresh opaque token: the cmux_ prefix plus 32
// random bytes hex-encoded.
func mintTokenID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(raw), nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanToken reads one tokenColumns row into a Token, mapping the two
// nullable DATETIME columns onto pointer fields.
func scanToken(r rowScanner) (*Token, error) {
	var (
		token      Token
		lastUsedAt sql.NullTime
		expiresAt  sql.NullTime
	)
	if err := r.Scan(&token.ID, &token.Name, &token.Scope, &token.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}

// CreateToken generates and persists a new bearer token for scope
// (ScopeAdmin, ScopeAdminRO, or a project scope from ScopeProject).
func (s *Store) CreateToken(name, scope string, expiresAt *time.Time) (*Token, string, error) {
	tokenID, err := mintTokenID()
	if err != nil {
		return nil, "", err
	}

	token := &Token{
		ID:        tokenID,
		Name:      name,
		Scope:     scope,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if _, err := s.db.Exec(
		`INSERT INTO tokens (id, name, scope, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.Scope, token.CreatedAt, token.ExpiresAt,
	); err != nil {
		audit.LogFailure(audit.OpTokenCreate, tokenID, scope, "", err)
		return nil, "", fmt.Errorf("failed to insert token: %w", err)
	}

	audit.LogSuccess(audit.OpTokenCreate, tokenID, scope, "")
	return token, tokenID, nil
}

// ValidateToken checks the token exists and has not expired, returning
// its details. The last-used timestamp is refreshed off the hot path.
func (s *Store) ValidateToken(tokenID string) (*Token, error) {
	if !strings.HasPrefix(tokenID, tokenPrefix) {
		return nil, ErrInvalidToken
	}

	token, err := scanToken(s.db.QueryRow(
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, tokenID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}

	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	go s.updateLastUsed(tokenID)
	return token, nil
}

func (s *Store) updateLastUsed(tokenID string) {
	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now(), tokenID)
}

// ListTokens returns all tokens, newest first.
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(`SELECT ` + tokenColumns + ` FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token.
func (s *Store) RevokeToken(tokenID string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		audit.LogFailure(audit.OpTokenRevoke, tokenID, "", "", ErrTokenNotFound)
		return ErrTokenNotFound
	}
	audit.LogSuccess(audit.OpTokenRevoke, tokenID, "", "")
	return nil
}

// GetToken returns a token by ID.
func (s *Store) GetToken(tokenID string) (*Token, error) {
	return s.ValidateToken(tokenID)
}
