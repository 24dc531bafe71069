package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateIdentity inserts a new named identity and returns its row id.
func (s *Store) CreateIdentity(name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("identity name is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO identities (name, created_at) VALUES (?, ?)`,
		name,
		nowUnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert identity %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read identity id for %q: %w", name, err)
	}
	return id, nil
}

// IdentityID looks up an identity by name.
func (s *Store) IdentityID(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM identities WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get identity %q: %w", name, err)
	}
	return id, nil
}

// EnsureIdentity returns the id of name, creating the identity when missing.
func (s *Store) EnsureIdentity(name string) (int64, error) {
	id, err := s.IdentityID(name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return s.CreateIdentity(name)
}

// DeleteIdentity removes an identity and, by cascade, all of its claims.
func (s *Store) DeleteIdentity(identityID int64) error {
	res, err := s.db.Exec(`DELETE FROM identities WHERE id = ?`, identityID)
	if err != nil {
		return fmt.Errorf("delete identity %d: %w", identityID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for identity %d: %w", identityID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddClaim attaches (or replaces) a typed value on an identity.
func (s *Store) AddClaim(identityID int64, claimType, value string) error {
	if strings.TrimSpace(claimType) == "" {
		return errors.New("claim_type is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO claims (identity_id, claim_type, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_id, claim_type) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at`,
		identityID,
		claimType,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert claim %q for identity %d: %w", claimType, identityID, err)
	}
	return nil
}

// GetClaim returns one claim of an identity.
func (s *Store) GetClaim(identityID int64, claimType string) (*Claim, error) {
	row := s.db.QueryRow(
		`SELECT c.identity_id, i.name, c.claim_type, c.value, c.created_at
		FROM claims c
		JOIN identities i ON i.id = c.identity_id
		WHERE c.identity_id = ? AND c.claim_type = ?`,
		identityID,
		claimType,
	)
	claim, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %q for identity %d: %w", claimType, identityID, err)
	}
	return claim, nil
}

// RemoveClaim deletes one claim. Removing a missing claim returns ErrNotFound.
func (s *Store) RemoveClaim(identityID int64, claimType string) error {
	res, err := s.db.Exec(
		`DELETE FROM claims WHERE identity_id = ? AND claim_type = ?`,
		identityID,
		claimType,
	)
	if err != nil {
		return fmt.Errorf("remove claim %q for identity %d: %w", claimType, identityID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for claim %q: %w", claimType, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClaims returns every claim of the given type ordered by identity.
func (s *Store) ListClaims(claimType string) ([]Claim, error) {
	rows, err := s.db.Query(
		`SELECT c.identity_id, i.name, c.claim_type, c.value, c.created_at
		FROM claims c
		JOIN identities i ON i.id = c.identity_id
		WHERE c.claim_type = ?
		ORDER BY c.identity_id ASC`,
		claimType,
	)
	if err != nil {
		return nil, fmt.Errorf("list claims %q: %w", claimType, err)
	}
	defer rows.Close()

	claims := make([]Claim, 0)
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		claims = append(claims, *claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim rows: %w", err)
	}
	return claims, nil
}

// CountClaims returns how many claims an identity holds.
func (s *Store) CountClaims(identityID int64) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM claims WHERE identity_id = ?`,
		identityID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count claims for identity %d: %w", identityID, err)
	}
	return count, nil
}

func scanClaim(row scanner) (*Claim, error) {
	var claim Claim
	if err := row.Scan(
		&claim.IdentityID,
		&claim.IdentityName,
		&claim.Type,
		&claim.Value,
		&claim.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &claim, nil
}
