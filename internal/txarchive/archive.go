package txarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	// PayoutSetVersion tags the archived envelope format.
	PayoutSetVersion = "payout-set/v1"

	defaultMaxGetSize int64 = 8 << 20
)

var (
	ErrInvalidConfig = errors.New("txarchive: invalid config")
	ErrInvalidInput  = errors.New("txarchive: invalid input")
	ErrNotFound      = errors.New("txarchive: not found")
	ErrTooLarge      = errors.New("txarchive: object too large")
)

// Archive keeps a durable copy of the payout transaction sets the vault
// provider prepared for each peg-in. The tracker writes here when a poll
// turns ready so a restarted replica can serve the signing page without
// waiting on the provider again.
type Archive interface {
	StorePayoutSet(ctx context.Context, peginTxID string, sets []pegin.ClaimerTransactionSet) error
	LoadPayoutSet(ctx context.Context, peginTxID string) ([]pegin.ClaimerTransactionSet, error)
	DeletePayoutSet(ctx context.Context, peginTxID string) error
	HasPayoutSet(ctx context.Context, peginTxID string) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read back per payout set. Defaults to 8 MiB
	// when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(cfg.Now), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

// payoutSetEnvelope is the stored JSON document.
type payoutSetEnvelope struct {
	Version   string                        `json:"version"`
	PeginTxID string                        `json:"peginTxId"`
	StoredAt  time.Time                     `json:"storedAt"`
	Sets      []pegin.ClaimerTransactionSet `json:"sets"`
}

func payoutSetKey(prefix, peginTxID string) string {
	key := "pegins/" + peginTxID + "/payout-set.json"
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func normalizeTxID(peginTxID string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(peginTxID))
	if id == "" {
		return "", fmt.Errorf("%w: empty pegin tx id", ErrInvalidInput)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f || r == '/' {
			return "", fmt.Errorf("%w: pegin tx id contains invalid characters", ErrInvalidInput)
		}
	}
	return id, nil
}

func validateSets(sets []pegin.ClaimerTransactionSet) error {
	if len(sets) == 0 {
		return fmt.Errorf("%w: empty payout set", ErrInvalidInput)
	}
	for i, s := range sets {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("txarchive: claimer set %d: %w", i, err)
		}
	}
	return nil
}

func encodeEnvelope(peginTxID string, sets []pegin.ClaimerTransactionSet, now time.Time) ([]byte, error) {
	return json.Marshal(payoutSetEnvelope{
		Version:   PayoutSetVersion,
		PeginTxID: peginTxID,
		StoredAt:  now.UTC(),
		Sets:      sets,
	})
}

func decodeEnvelope(raw []byte, peginTxID string) ([]pegin.ClaimerTransactionSet, error) {
	var env payoutSetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("txarchive: decode payout set: %w", err)
	}
	if env.Version != PayoutSetVersion {
		return nil, fmt.Errorf("txarchive: unsupported payout set version %q", env.Version)
	}
	if !strings.EqualFold(env.PeginTxID, peginTxID) {
		return nil, fmt.Errorf("txarchive: payout set id mismatch: want %s got %s", peginTxID, env.PeginTxID)
	}
	return env.Sets, nil
}

type memoryArchive struct {
	mu   sync.RWMutex
	now  func() time.Time
	sets map[string][]byte
}

func newMemoryArchive(now func() time.Time) *memoryArchive {
	if now == nil {
		now = time.Now
	}
	return &memoryArchive{
		now:  now,
		sets: make(map[string][]byte),
	}
}

func (m *memoryArchive) StorePayoutSet(_ context.Context, peginTxID string, sets []pegin.ClaimerTransactionSet) error {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return err
	}
	if err := validateSets(sets); err != nil {
		return err
	}
	raw, err := encodeEnvelope(id, sets, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sets[id] = raw
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) LoadPayoutSet(_ context.Context, peginTxID string) ([]pegin.ClaimerTransactionSet, error) {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	raw, ok := m.sets[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeEnvelope(raw, id)
}

func (m *memoryArchive) DeletePayoutSet(_ context.Context, peginTxID string) error {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sets, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) HasPayoutSet(_ context.Context, peginTxID string) (bool, error) {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.sets[id]
	m.mu.RUnlock()
	return ok, nil
}

type s3Archive struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
	now        func() time.Time
}

func newS3Archive(cfg Config) (*s3Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &s3Archive{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxGetSize: maxGet,
		now:        now,
	}, nil
}

func (a *s3Archive) StorePayoutSet(ctx context.Context, peginTxID string, sets []pegin.ClaimerTransactionSet) error {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return err
	}
	if err := validateSets(sets); err != nil {
		return err
	}
	raw, err := encodeEnvelope(id, sets, a.now())
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(payoutSetKey(a.prefix, id)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"payout-set-version": PayoutSetVersion,
			"pegin-tx-id":        id,
		},
	})
	if err != nil {
		return fmt.Errorf("txarchive/s3: put %s: %w", id, err)
	}
	return nil
}

func (a *s3Archive) LoadPayoutSet(ctx context.Context, peginTxID string) ([]pegin.ClaimerTransactionSet, error) {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(payoutSetKey(a.prefix, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("txarchive/s3: get %s: %w", id, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, a.maxGetSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("txarchive/s3: read %s: %w", id, err)
	}
	if int64(len(raw)) > a.maxGetSize {
		return nil, fmt.Errorf("%w: payout set for %s exceeds max %d bytes", ErrTooLarge, id, a.maxGetSize)
	}
	return decodeEnvelope(raw, id)
}

func (a *s3Archive) DeletePayoutSet(ctx context.Context, peginTxID string) error {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(payoutSetKey(a.prefix, id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("txarchive/s3: delete %s: %w", id, err)
	}
	return nil
}

func (a *s3Archive) HasPayoutSet(ctx context.Context, peginTxID string) (bool, error) {
	id, err := normalizeTxID(peginTxID)
	if err != nil {
		return false, err
	}
	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(payoutSetKey(a.prefix, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("txarchive/s3: head %s: %w", id, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
