package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrServiceRoleExclusionNotFound = errors.New("service role exclusion not found")

// ServiceRoleExclusion bars the roles of one client from being assigned to
// the service accounts of other clients.
type ServiceRoleExclusion struct {
	ID        int64
	Realm     string
	ClientID  string
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

func (s *Store) UpsertServiceRoleExclusion(ctx context.Context, exclusion ServiceRoleExclusion) error {
	exclusion.Realm = strings.TrimSpace(exclusion.Realm)
	exclusion.ClientID = strings.TrimSpace(exclusion.ClientID)
	exclusion.Reason = strings.TrimSpace(exclusion.Reason)
	exclusion.CreatedBy = strings.TrimSpace(exclusion.CreatedBy)
	if exclusion.Realm == "" || exclusion.ClientID == "" {
		return fmt.Errorf("realm and client_id are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_role_exclusions (realm, client_id, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (realm, client_id)
		DO UPDATE SET
			reason = COALESCE(NULLIF(EXCLUDED.reason, ''), service_role_exclusions.reason)
	`, exclusion.Realm, exclusion.ClientID, exclusion.Reason, exclusion.CreatedBy)
	return err
}

func (s *Store) DeleteServiceRoleExclusion(ctx context.Context, realm string, clientID string) error {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if realm == "" || clientID == "" {
		return fmt.Errorf("realm and client_id are required")
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM service_role_exclusions
		WHERE realm = $1 AND client_id = $2
	`, realm, clientID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrServiceRoleExclusionNotFound
	}
	return nil
}

// ListServiceRoleExclusions lists every realm when realm is empty.
func (s *Store) ListServiceRoleExclusions(ctx context.Context, realm string) ([]ServiceRoleExclusion, error) {
	realm = strings.TrimSpace(realm)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, realm, client_id, reason, created_by, created_at
		FROM service_role_exclusions
		WHERE ($1 = '' OR realm = $1)
		ORDER BY realm ASC, client_id ASC
	`, realm)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ServiceRoleExclusion, 0, 8)
	for rows.Next() {
		var item ServiceRoleExclusion
		if err := rows.Scan(&item.ID, &item.Realm, &item.ClientID, &item.Reason, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) IsServiceRoleExcluded(ctx context.Context, realm string, clientID string) (bool, error) {
	realm = strings.TrimSpace(realm)
	clientID = strings.TrimSpace(clientID)
	if realm == "" || clientID == "" {
		return false, nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM service_role_exclusions
			WHERE realm = $1 AND client_id = $2
		)
	`, realm, clientID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) CountServiceRoleExclusions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_role_exclusions`).Scan(&count)
	return count, err
}
