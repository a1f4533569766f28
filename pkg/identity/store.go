package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wisbric/cumulus/internal/db"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// KeyPairStore provides database operations for SSH key pairs.
type KeyPairStore struct {
	db db.DBTX
}

// NewKeyPairStore creates a KeyPairStore backed by the given database.
func NewKeyPairStore(dbtx db.DBTX) *KeyPairStore {
	return &KeyPairStore{db: dbtx}
}

// Create inserts a key pair. A (owner, name) collision yields Duplicate.
func (s *KeyPairStore) Create(ctx context.Context, kp KeyPair) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO key_pairs (owner_id, name, public_key, fingerprint)
		VALUES ($1, $2, $3, $4)`,
		kp.OwnerID, kp.Name, kp.PublicKey, kp.Fingerprint)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apierr.Duplicate("key pair %s already exists", kp.Name)
		}
		return fmt.Errorf("inserting key pair: %w", err)
	}
	return nil
}

// Get fetches one key pair by owner and name.
func (s *KeyPairStore) Get(ctx context.Context, ownerID, name string) (*KeyPair, error) {
	row := s.db.QueryRow(ctx, `
		SELECT owner_id, name, public_key, fingerprint
		FROM key_pairs WHERE owner_id = $1 AND name = $2`,
		ownerID, name)
	var kp KeyPair
	if err := row.Scan(&kp.OwnerID, &kp.Name, &kp.PublicKey, &kp.Fingerprint); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("InvalidKeyPair.NotFound", "key pair %s not found", name)
		}
		return nil, fmt.Errorf("selecting key pair: %w", err)
	}
	return &kp, nil
}

// List returns all key pairs owned by a user.
func (s *KeyPairStore) List(ctx context.Context, ownerID string) ([]KeyPair, error) {
	rows, err := s.db.Query(ctx, `
		SELECT owner_id, name, public_key, fingerprint
		FROM key_pairs WHERE owner_id = $1 ORDER BY name`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing key pairs: %w", err)
	}
	defer rows.Close()

	var pairs []KeyPair
	for rows.Next() {
		var kp KeyPair
		if err := rows.Scan(&kp.OwnerID, &kp.Name, &kp.PublicKey, &kp.Fingerprint); err != nil {
			return nil, fmt.Errorf("scanning key pair: %w", err)
		}
		pairs = append(pairs, kp)
	}
	return pairs, rows.Err()
}

// Delete removes a key pair. Deleting a missing key pair is not an error.
func (s *KeyPairStore) Delete(ctx context.Context, ownerID, name string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM key_pairs WHERE owner_id = $1 AND name = $2`,
		ownerID, name)
	if err != nil {
		return fmt.Errorf("deleting key pair: %w", err)
	}
	return nil
}
