package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
	"github.com/bitvault-labs/vault-tracker/internal/pendingstore"
)

var ErrInvalidConfig = errors.New("pendingstore/postgres: invalid config")

// Store is a pgx-backed pendingstore.Store for multi-replica deployments
// where browser-style per-process storage would fragment the record set.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool, now func() time.Time) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, now: now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("pendingstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Ids are stored in canonical form so every spelling of the same
// transaction id hits the same row.
func normalizeID(id string) string {
	return pegin.TxIDKey(id)
}

func (s *Store) Load(ctx context.Context, address string) ([]pegin.PendingRecord, error) {
	if strings.TrimSpace(address) == "" {
		return []pegin.PendingRecord{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT pegin_id, status, created_at_ms
		FROM pending_pegins
		WHERE address = $1
		ORDER BY created_at_ms ASC, pegin_id ASC
	`, normalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("pendingstore/postgres: load: %w", err)
	}
	defer rows.Close()

	out := []pegin.PendingRecord{}
	for rows.Next() {
		var (
			id        string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&id, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("pendingstore/postgres: scan: %w", err)
		}
		out = append(out, pegin.PendingRecord{
			ID:        id,
			Timestamp: createdAt,
			Status:    pegin.LocalStatus(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pendingstore/postgres: load rows: %w", err)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, address string, records []pegin.PendingRecord) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: empty address", pendingstore.ErrInvalidInput)
	}
	addr := normalizeAddress(address)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pendingstore/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM pending_pegins WHERE address = $1`, addr); err != nil {
		return fmt.Errorf("pendingstore/postgres: clear: %w", err)
	}
	for _, r := range records {
		if r.ID == "" || !r.Status.Valid() {
			return fmt.Errorf("%w: record %+v", pendingstore.ErrInvalidInput, r)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO pending_pegins (address, pegin_id, status, created_at_ms)
			VALUES ($1,$2,$3,$4)
		`, addr, normalizeID(r.ID), string(r.Status), r.Timestamp); err != nil {
			return fmt.Errorf("pendingstore/postgres: insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pendingstore/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, address, id string) (pegin.PendingRecord, error) {
	if strings.TrimSpace(address) == "" || id == "" {
		return pegin.PendingRecord{}, fmt.Errorf("%w: empty address or id", pendingstore.ErrInvalidInput)
	}

	rec := pegin.PendingRecord{
		ID:        normalizeID(id),
		Timestamp: s.now().UnixMilli(),
		Status:    pegin.LocalPending,
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pending_pegins (address, pegin_id, status, created_at_ms)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (address, pegin_id) DO NOTHING
	`, normalizeAddress(address), rec.ID, string(rec.Status), rec.Timestamp)
	if err != nil {
		return pegin.PendingRecord{}, fmt.Errorf("pendingstore/postgres: add: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, nil
	}

	// Already tracked: return the existing record.
	var (
		status    string
		createdAt int64
	)
	err = s.pool.QueryRow(ctx, `
		SELECT status, created_at_ms FROM pending_pegins
		WHERE address = $1 AND pegin_id = $2
	`, normalizeAddress(address), rec.ID).Scan(&status, &createdAt)
	if err != nil {
		return pegin.PendingRecord{}, fmt.Errorf("pendingstore/postgres: reread: %w", err)
	}
	return pegin.PendingRecord{ID: rec.ID, Timestamp: createdAt, Status: pegin.LocalStatus(status)}, nil
}

func (s *Store) UpdateStatus(ctx context.Context, address, id string, status pegin.LocalStatus) error {
	if strings.TrimSpace(address) == "" || id == "" {
		return fmt.Errorf("%w: empty address or id", pendingstore.ErrInvalidInput)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: invalid local status %q", pendingstore.ErrInvalidInput, string(status))
	}

	// Missing rows are a no-op by contract, so the affected count is ignored.
	_, err := s.pool.Exec(ctx, `
		UPDATE pending_pegins SET status = $3
		WHERE address = $1 AND pegin_id = $2
	`, normalizeAddress(address), normalizeID(id), string(status))
	if err != nil {
		return fmt.Errorf("pendingstore/postgres: update status: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, address, id string) error {
	if strings.TrimSpace(address) == "" || id == "" {
		return fmt.Errorf("%w: empty address or id", pendingstore.ErrInvalidInput)
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM pending_pegins WHERE address = $1 AND pegin_id = $2
	`, normalizeAddress(address), normalizeID(id))
	if err != nil {
		return fmt.Errorf("pendingstore/postgres: remove: %w", err)
	}
	return nil
}
