package pendingstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/kv"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

const testAddr = "0x1111111111111111111111111111111111111111"

func newTestKVStore(t *testing.T, backend kv.Store) *KVStore {
	t.Helper()
	if backend == nil {
		backend = kv.NewMemoryStore()
	}
	s, err := NewKVStore(backend, KVConfig{
		Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}, nil)
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	return s
}

func TestKVStore_AddLoadUpdateRemove(t *testing.T) {
	t.Parallel()

	s := newTestKVStore(t, nil)
	ctx := context.Background()

	rec, err := s.Add(ctx, testAddr, "tx1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Status != pegin.LocalPending {
		t.Fatalf("status: got %q want pending", rec.Status)
	}
	if rec.Timestamp != 1_700_000_000_000 {
		t.Fatalf("timestamp: got %d", rec.Timestamp)
	}

	// Adding the same id again returns the existing record.
	again, err := s.Add(ctx, testAddr, "tx1")
	if err != nil {
		t.Fatalf("Add #2: %v", err)
	}
	if again != rec {
		t.Fatalf("duplicate add: got %+v want %+v", again, rec)
	}

	if err := s.UpdateStatus(ctx, testAddr, "tx1", pegin.LocalPayoutSigned); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	records, err := s.Load(ctx, testAddr)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || records[0].Status != pegin.LocalPayoutSigned {
		t.Fatalf("records: got %+v", records)
	}

	// Updating an unknown id is a no-op, not an error.
	if err := s.UpdateStatus(ctx, testAddr, "tx-missing", pegin.LocalConfirming); err != nil {
		t.Fatalf("UpdateStatus missing: %v", err)
	}

	if err := s.Remove(ctx, testAddr, "tx1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	records, err = s.Load(ctx, testAddr)
	if err != nil {
		t.Fatalf("Load after remove: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records after remove: got %+v", records)
	}
}

func TestKVStore_AddressScoping(t *testing.T) {
	t.Parallel()

	s := newTestKVStore(t, nil)
	ctx := context.Background()

	other := "0x2222222222222222222222222222222222222222"
	if _, err := s.Add(ctx, testAddr, "tx1"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	records, err := s.Load(ctx, other)
	if err != nil {
		t.Fatalf("Load other: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records leaked across addresses: %+v", records)
	}
}

func TestKVStore_EmptyAddressLoadsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestKVStore(t, nil)

	records, err := s.Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records: got %+v", records)
	}
}

func TestKVStore_CorruptPayloadDegradesToEmpty(t *testing.T) {
	t.Parallel()

	backend := kv.NewMemoryStore()
	s := newTestKVStore(t, backend)
	ctx := context.Background()

	if err := backend.Set(ctx, DefaultKeyPrefix+"-"+testAddr, "{not json"); err != nil {
		t.Fatalf("seed corrupt payload: %v", err)
	}

	records, err := s.Load(ctx, testAddr)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("corrupt payload should read as empty, got %+v", records)
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) {
	return "", errors.New("quota exceeded")
}
func (failingKV) Set(context.Context, string, string) error {
	return errors.New("quota exceeded")
}
func (failingKV) Delete(context.Context, string) error {
	return errors.New("quota exceeded")
}

func TestKVStore_StorageFailureDoesNotHaltFlow(t *testing.T) {
	t.Parallel()

	s := newTestKVStore(t, failingKV{})
	ctx := context.Background()

	records, err := s.Load(ctx, testAddr)
	if err != nil {
		t.Fatalf("Load should absorb backend failure: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records: got %+v", records)
	}

	if err := s.Save(ctx, testAddr, []pegin.PendingRecord{{ID: "tx1"}}); err != nil {
		t.Fatalf("Save should absorb backend failure: %v", err)
	}
	if _, err := s.Add(ctx, testAddr, "tx1"); err != nil {
		t.Fatalf("Add should absorb backend failure: %v", err)
	}
}

func TestKVStore_InputValidation(t *testing.T) {
	t.Parallel()

	s := newTestKVStore(t, nil)
	ctx := context.Background()

	if _, err := s.Add(ctx, "", "tx1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty address: got %v", err)
	}
	if _, err := s.Add(ctx, testAddr, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty id: got %v", err)
	}
	if err := s.UpdateStatus(ctx, testAddr, "tx1", "bogus"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bogus status: got %v", err)
	}
	if err := s.Save(ctx, "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("save empty address: got %v", err)
	}
}
