package pendingstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/kv"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

// DefaultKeyPrefix namespaces pending-record keys; the full key is
// "<prefix>-<address>".
const DefaultKeyPrefix = "vault-pending"

// KVStore persists records as a JSON array under a per-address key.
//
// Storage failures degrade rather than escalate: Load answers with an empty
// list on missing, corrupt, or unreadable data, and Save logs and swallows
// write failures. Peg-in tracking then falls back to chain-only visibility,
// which is less convenient but never incorrect.
type KVStore struct {
	store  kv.Store
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

type KVConfig struct {
	// Prefix defaults to DefaultKeyPrefix.
	Prefix string

	Now func() time.Time
}

func NewKVStore(store kv.Store, cfg KVConfig, log *slog.Logger) (*KVStore, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil kv store", ErrInvalidConfig)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if strings.Contains(prefix, " ") {
		return nil, fmt.Errorf("%w: prefix must not contain spaces", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &KVStore{
		store:  store,
		prefix: prefix,
		log:    log,
		now:    cfg.Now,
	}, nil
}

func (s *KVStore) key(address string) string {
	return s.prefix + "-" + strings.ToLower(strings.TrimSpace(address))
}

func (s *KVStore) Load(ctx context.Context, address string) ([]pegin.PendingRecord, error) {
	if strings.TrimSpace(address) == "" {
		return []pegin.PendingRecord{}, nil
	}

	raw, err := s.store.Get(ctx, s.key(address))
	if errors.Is(err, kv.ErrNotFound) {
		return []pegin.PendingRecord{}, nil
	}
	if err != nil {
		s.log.Warn("pending store read failed, degrading to empty",
			"address", address, "err", err)
		return []pegin.PendingRecord{}, nil
	}

	var records []pegin.PendingRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.log.Warn("pending store payload corrupt, degrading to empty",
			"address", address, "err", err)
		return []pegin.PendingRecord{}, nil
	}
	return records, nil
}

func (s *KVStore) Save(ctx context.Context, address string, records []pegin.PendingRecord) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidInput)
	}
	if records == nil {
		records = []pegin.PendingRecord{}
	}

	raw, err := json.Marshal(records)
	if err != nil {
		s.log.Warn("pending store encode failed, skipping save",
			"address", address, "err", err)
		return nil
	}
	if err := s.store.Set(ctx, s.key(address), string(raw)); err != nil {
		s.log.Warn("pending store write failed, peg-in flow continues",
			"address", address, "err", err)
	}
	return nil
}

func (s *KVStore) Add(ctx context.Context, address, id string) (pegin.PendingRecord, error) {
	if err := validateAddressID(address, id); err != nil {
		return pegin.PendingRecord{}, err
	}

	records, err := s.Load(ctx, address)
	if err != nil {
		return pegin.PendingRecord{}, err
	}
	key := pegin.TxIDKey(id)
	for _, r := range records {
		if pegin.TxIDKey(r.ID) == key {
			return r, nil
		}
	}

	rec := pegin.PendingRecord{
		ID:        id,
		Timestamp: s.now().UnixMilli(),
		Status:    pegin.LocalPending,
	}
	records = append(records, rec)
	if err := s.Save(ctx, address, records); err != nil {
		return pegin.PendingRecord{}, err
	}
	return rec, nil
}

func (s *KVStore) UpdateStatus(ctx context.Context, address, id string, status pegin.LocalStatus) error {
	if err := validateAddressID(address, id); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: invalid local status %q", ErrInvalidInput, string(status))
	}

	records, err := s.Load(ctx, address)
	if err != nil {
		return err
	}
	key := pegin.TxIDKey(id)
	for i := range records {
		if pegin.TxIDKey(records[i].ID) == key {
			records[i].Status = status
			return s.Save(ctx, address, records)
		}
	}
	return nil
}

func (s *KVStore) Remove(ctx context.Context, address, id string) error {
	if err := validateAddressID(address, id); err != nil {
		return err
	}

	records, err := s.Load(ctx, address)
	if err != nil {
		return err
	}
	key := pegin.TxIDKey(id)
	out := records[:0]
	for _, r := range records {
		if pegin.TxIDKey(r.ID) != key {
			out = append(out, r)
		}
	}
	if len(out) == len(records) {
		return nil
	}
	return s.Save(ctx, address, out)
}
