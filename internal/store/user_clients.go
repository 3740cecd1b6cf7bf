package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrAccessGrantNotFound = errors.New("access grant not found")

// AccessGrant lets a staff username manage one client in one realm.
type AccessGrant struct {
	ID         int64
	Username   string
	Realm      string
	ClientID   string
	ClientName string
	GrantedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type AccessGrantListOptions struct {
	Username string
	Realm    string
	ClientID string
	Limit    int
	Offset   int
}

func (s *Store) UpsertAccessGrant(ctx context.Context, grant AccessGrant) (*AccessGrant, error) {
	normalized, err := normalizeAccessGrant(grant)
	if err != nil {
		return nil, err
	}

	var out AccessGrant
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO user_clients (username, realm, client_id, client_name, granted_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (username, realm, client_id)
		DO UPDATE SET
			client_name = COALESCE(NULLIF(EXCLUDED.client_name, ''), user_clients.client_name),
			granted_by = EXCLUDED.granted_by,
			updated_at = NOW()
		RETURNING id, username, realm, client_id, client_name, granted_by, created_at, updated_at
	`,
		normalized.Username,
		normalized.Realm,
		normalized.ClientID,
		normalized.ClientName,
		normalized.GrantedBy,
	).Scan(
		&out.ID,
		&out.Username,
		&out.Realm,
		&out.ClientID,
		&out.ClientName,
		&out.GrantedBy,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteAccessGrant(ctx context.Context, username string, realm string, clientID string) error {
	username = normalizeUsername(username)
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if username == "" || realm == "" || clientID == "" {
		return fmt.Errorf("username, realm and client_id are required")
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_clients
		WHERE username = $1 AND realm = $2 AND client_id = $3
	`, username, realm, clientID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAccessGrantNotFound
	}
	return nil
}

func (s *Store) DeleteAccessGrantsForClient(ctx context.Context, realm string, clientID string) (int64, error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if realm == "" || clientID == "" {
		return 0, fmt.Errorf("realm and client_id are required")
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_clients
		WHERE realm = $1 AND client_id = $2
	`, realm, clientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) HasAccessGrant(ctx context.Context, username string, realm string, clientID string) (bool, error) {
	username = normalizeUsername(username)
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if username == "" || realm == "" || clientID == "" {
		return false, nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_clients
			WHERE username = $1 AND realm = $2 AND client_id = $3
		)
	`, username, realm, clientID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListAccessGrants(ctx context.Context, opts AccessGrantListOptions) ([]AccessGrant, error) {
	limit, offset := normalizeListWindow(opts.Limit, opts.Offset)
	usernamePattern := likePattern(opts.Username)
	realm := strings.TrimSpace(opts.Realm)
	clientID := strings.TrimSpace(opts.ClientID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, realm, client_id, client_name, granted_by, created_at, updated_at
		FROM user_clients
		WHERE ($1 = '' OR lower(username) LIKE $1 ESCAPE '\')
		  AND ($2 = '' OR realm = $2)
		  AND ($3 = '' OR client_id = $3)
		ORDER BY username ASC, realm ASC, client_id ASC
		LIMIT $4 OFFSET $5
	`, usernamePattern, realm, clientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccessGrants(rows, limit)
}

// ListGrantedClients returns every grant held by username.
func (s *Store) ListGrantedClients(ctx context.Context, username string) ([]AccessGrant, error) {
	username = normalizeUsername(username)
	if username == "" {
		return []AccessGrant{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, realm, client_id, client_name, granted_by, created_at, updated_at
		FROM user_clients
		WHERE username = $1
		ORDER BY realm ASC, client_id ASC
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccessGrants(rows, 8)
}

func (s *Store) CountAccessGrants(ctx context.Context) (grants int, grantees int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT username)
		FROM user_clients
	`).Scan(&grants, &grantees)
	return grants, grantees, err
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAccessGrants(rows rowScanner, capacity int) ([]AccessGrant, error) {
	out := make([]AccessGrant, 0, capacity)
	for rows.Next() {
		var item AccessGrant
		if err := rows.Scan(
			&item.ID,
			&item.Username,
			&item.Realm,
			&item.ClientID,
			&item.ClientName,
			&item.GrantedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeAccessGrant(grant AccessGrant) (AccessGrant, error) {
	grant.Username = normalizeUsername(grant.Username)
	grant.Realm = strings.TrimSpace(grant.Realm)
	grant.ClientID = strings.TrimSpace(grant.ClientID)
	grant.ClientName = strings.TrimSpace(grant.ClientName)
	grant.GrantedBy = strings.TrimSpace(grant.GrantedBy)

	switch {
	case grant.Username == "":
		return AccessGrant{}, fmt.Errorf("username is required")
	case grant.Realm == "":
		return AccessGrant{}, fmt.Errorf("realm is required")
	case grant.ClientID == "":
		return AccessGrant{}, fmt.Errorf("client_id is required")
	}
	if grant.GrantedBy == "" {
		grant.GrantedBy = "system"
	}
	return grant, nil
}

// Keycloak usernames are case-insensitive and stored lower-case.
func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
