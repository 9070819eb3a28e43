package events

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

func TestPeginStatusChanged_RoundTrip(t *testing.T) {
	t.Parallel()

	old := pegin.StatusPending
	observed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	p, err := NewPeginStatusChanged("tx1", "0xabc", &old, pegin.StatusAvailable, true, pegin.LocalConfirming, observed)
	if err != nil {
		t.Fatalf("NewPeginStatusChanged: %v", err)
	}

	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodePeginStatusChanged(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PeginTxID != "tx1" || got.Address != "0xabc" {
		t.Fatalf("identity fields: got %+v", got)
	}
	if got.OldStatus == nil || *got.OldStatus != "pending" {
		t.Fatalf("old status: got %v", got.OldStatus)
	}
	if got.NewStatus != "available" || !got.InUse {
		t.Fatalf("new status: got %+v", got)
	}
	if !got.ObservedAt.Equal(observed) {
		t.Fatalf("observedAt: got %v want %v", got.ObservedAt, observed)
	}
}

func TestPeginStatusChanged_FirstObservationHasNoOldStatus(t *testing.T) {
	t.Parallel()

	p, err := NewPeginStatusChanged("tx1", "0xabc", nil, pegin.StatusPending, false, "", time.Now())
	if err != nil {
		t.Fatalf("NewPeginStatusChanged: %v", err)
	}
	if p.OldStatus != nil {
		t.Fatalf("old status should be nil, got %v", *p.OldStatus)
	}
}

func TestPeginStatusChanged_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPeginStatusChanged("", "0xabc", nil, pegin.StatusPending, false, "", time.Now()); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty id: got %v", err)
	}
	if _, err := NewPeginStatusChanged("tx1", "", nil, pegin.StatusPending, false, "", time.Now()); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty address: got %v", err)
	}
	if _, err := DecodePeginStatusChanged([]byte(`{"version":"bogus/v9"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("bad version: got %v", err)
	}
	if _, err := DecodePeginStatusChanged([]byte(`{not json`)); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(Config{Driver: "unknown"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown driver: got %v", err)
	}
	if _, err := NewPublisher(Config{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("kafka without brokers: got %v", err)
	}
	if _, err := NewPublisher(Config{Driver: DriverKafka, Brokers: []string{" ", ""}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("kafka with blank brokers: got %v", err)
	}
}

func TestStdioPublisher_WritesNDJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewPublisher(Config{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	if err := p.Publish(context.Background(), []byte("k1"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish #1: %v", err)
	}
	if err := p.Publish(context.Background(), nil, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish #2: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != `{"a":1}` || lines[1] != `{"b":2}` {
		t.Fatalf("output: got %q", buf.String())
	}

	if err := p.Publish(context.Background(), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty payload: got %v", err)
	}
}
