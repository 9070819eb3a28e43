// Package postgres backs the per-activity poll leases with the same
// database that holds the pending peg-in records, so single-database
// deployments need no extra infrastructure for replica coordination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitvault-labs/vault-tracker/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// TryAcquire inserts the lease, or takes over an expired one. Expiry is
// judged by the database clock so replicas never disagree about "now".
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tracker_leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE tracker_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Live lease held elsewhere; report the current holder.
			l, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leases.Lease{}, false, gerr
			}
			return l, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}

	return leases.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE tracker_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.Get(ctx, name); errors.Is(gerr, leases.ErrNotFound) {
				return leases.Lease{}, false, leases.ErrNotFound
			}
			return leases.Lease{}, false, leases.ErrNotOwner
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}

	return leases.Lease{Name: name, Owner: owner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM tracker_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Idempotent if already absent; otherwise reject non-owner.
	if _, gerr := s.Get(ctx, name); errors.Is(gerr, leases.ErrNotFound) {
		return nil
	} else if gerr != nil {
		return gerr
	}
	return leases.ErrNotOwner
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	var (
		owner     string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM tracker_leases WHERE name = $1`, name).Scan(&owner, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}

	return leases.Lease{Name: name, Owner: owner, ExpiresAt: expiresAt}, nil
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
