// Package audit keeps one JSON record per operation that reached a terminal
// state. Records are written to S3 in production and to memory in tests.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardpools/stake-engine/internal/staking"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	RecordVersion = "stake.audit.v1"

	defaultMaxGetSize int64 = 1 << 20
	contentTypeJSON         = "application/json"
)

var (
	ErrInvalidConfig = errors.New("audit: invalid config")
	ErrInvalidRecord = errors.New("audit: invalid record")
	ErrNotFound      = errors.New("audit: not found")
	ErrTooLarge      = errors.New("audit: object too large")
)

type Record struct {
	Version     string          `json:"version"`
	OperationID string          `json:"operationId,omitempty"`
	BatchTxHash *common.Hash    `json:"batchTxHash,omitempty"`
	Kind        staking.Kind    `json:"kind"`
	Pool        staking.PoolRef `json:"pool"`
	User        common.Address  `json:"user"`
	Amount      *big.Int        `json:"amount,omitempty"`
	State       staking.State   `json:"state"`
	TxHash      common.Hash     `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	Applied     bool            `json:"applied"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
}

// FromOperation builds the record for a terminal operation snapshot.
func FromOperation(op staking.Operation, applied bool) Record {
	r := Record{
		Version:     RecordVersion,
		OperationID: op.ID,
		Kind:        op.Kind,
		Pool:        op.Pool,
		User:        op.User,
		Amount:      staking.CloneAmount(op.Amount),
		State:       op.State,
		TxHash:      op.TxHash,
		BlockNumber: op.BlockNumber,
		Applied:     applied,
		CreatedAt:   op.CreatedAt.UTC(),
		FinishedAt:  op.UpdatedAt.UTC(),
	}
	if op.Err != nil {
		r.Reason = op.Err.Error()
	}
	return r
}

// Key is the object key for r: the tx hash when one exists, otherwise the
// operation id.
func Key(r Record) (string, error) {
	if r.Pool.IsZero() {
		return "", fmt.Errorf("%w: missing pool", ErrInvalidRecord)
	}
	id := strings.ToLower(r.TxHash.Hex())
	if r.TxHash == (common.Hash{}) {
		id = strings.TrimSpace(r.OperationID)
	}
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("%w: record needs a tx hash or a path-safe operation id", ErrInvalidRecord)
	}
	return fmt.Sprintf("operations/%d/%s/%s.json", r.Pool.ChainID, strings.ToLower(r.Pool.Address.Hex()), id), nil
}

type Log interface {
	Write(ctx context.Context, r Record) error
	Read(ctx context.Context, key string) (Record, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Read. Defaults to 1 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Log, error) {
	var objects objectStore
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		objects = newMemoryObjects()
	case DriverS3, "":
		s, err := newS3Objects(cfg)
		if err != nil {
			return nil, err
		}
		objects = s
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	return &jsonLog{objects: objects, prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/")}, nil
}

// objectStore is the byte-level backend behind a Log.
type objectStore interface {
	put(ctx context.Context, key string, payload []byte, meta map[string]string) error
	get(ctx context.Context, key string) ([]byte, error)
}

type jsonLog struct {
	objects objectStore
	prefix  string
}

func (l *jsonLog) fullKey(key string) string {
	if l.prefix == "" {
		return key
	}
	return l.prefix + "/" + key
}

func (l *jsonLog) Write(ctx context.Context, r Record) error {
	if r.Version == "" {
		r.Version = RecordVersion
	}
	key, err := Key(r)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", key, err)
	}
	return l.objects.put(ctx, l.fullKey(key), payload, map[string]string{
		"kind":  r.Kind.String(),
		"state": r.State.String(),
		"user":  strings.ToLower(r.User.Hex()),
	})
}

func (l *jsonLog) Read(ctx context.Context, key string) (Record, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return Record{}, fmt.Errorf("%w: empty key", ErrInvalidRecord)
	}
	b, err := l.objects.get(ctx, l.fullKey(key))
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("audit: decode %s: %w", key, err)
	}
	return r, nil
}
