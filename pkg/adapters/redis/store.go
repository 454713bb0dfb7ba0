package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/klauspost/compress/zstd"
	backend "github.com/redis/go-redis/v9"
)

// zstdMagic prefixes every zstd frame; values without it are plain JSON.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Store implements ports.RunStore using Redis.
//
// Layout (with the default prefix):
//
//	labrun:run:<runID>     string, JSON run record
//	labrun:runs            zset of run IDs scored by creation time
//	labrun:calls:<runID>   hash callID -> JSON call log entry
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration

	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

type Option func(*Store)

// WithTTL sets the expiration for run records and their call logs.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithCompression stores values as zstd frames. Reads accept both forms, so
// it can be switched on for an existing keyspace.
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "labrun:",
	}
	for _, opt := range opts {
		opt(store)
	}

	// Nil writer/reader never fail to construct with default options.
	store.enc, _ = zstd.NewWriter(nil)
	store.dec, _ = zstd.NewReader(nil)
	return store
}

// Client exposes the underlying client so a Locker can share it.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) runKey(runID string) string   { return s.prefix + "run:" + runID }
func (s *Store) indexKey() string             { return s.prefix + "runs" }
func (s *Store) callsKey(runID string) string { return s.prefix + "calls:" + runID }

func (s *Store) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.compress {
		return s.enc.EncodeAll(data, nil), nil
	}
	return data, nil
}

func (s *Store) decode(data []byte, v any) error {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress value: %w", err)
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

// CreateRun stores the record and indexes it by creation time.
func (s *Store) CreateRun(ctx context.Context, record domain.RunRecord) error {
	data, err := s.encode(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(record.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(record.CreatedAt.UnixNano()),
		Member: record.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run to redis: %w", err)
	}
	return nil
}

// UpdateRunStatus rewrites the record inside an optimistic transaction.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	key := s.runKey(runID)
	txf := func(tx *backend.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return domain.ErrRunNotFound
			}
			return err
		}
		var record domain.RunRecord
		if err := s.decode(raw, &record); err != nil {
			return fmt.Errorf("failed to unmarshal run: %w", err)
		}
		record.Status = status
		record.UpdatedAt = time.Now().UTC()

		data, err := s.encode(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, backend.KeepTTL)
			return nil
		})
		return err
	}

	for range 3 {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue // concurrent writer; read again
		}
		if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
			return fmt.Errorf("failed to update run status: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to update run status: %w", backend.TxFailedErr)
}

// GetRun reads one record.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	var record domain.RunRecord
	raw, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return record, domain.ErrRunNotFound
		}
		return record, fmt.Errorf("failed to get run from redis: %w", err)
	}
	if err := s.decode(raw, &record); err != nil {
		return record, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return record, nil
}

// ListRuns returns records newest first. Index entries whose record has
// expired are pruned lazily.
func (s *Store) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]domain.RunRecord, 0, len(ids))
	var expired []any
	for _, id := range ids {
		record, err := s.GetRun(ctx, id)
		if errors.Is(err, domain.ErrRunNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, record)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired runs: %w", err)
		}
	}
	return runs, nil
}

// CreateFunctionCallLog stores the entry in the run's hash. An existing field
// is never overwritten; domain.ErrCallExists is returned instead.
func (s *Store) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	data, err := s.encode(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal call log: %w", err)
	}

	key := s.callsKey(entry.RunID)
	pipe := s.client.TxPipeline()
	created := pipe.HSetNX(ctx, key, entry.CallID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save call log to redis: %w", err)
	}
	if !created.Val() {
		return fmt.Errorf("%w: %s", domain.ErrCallExists, entry.CallID)
	}
	return nil
}

// ListFunctionCallLogs returns the run's entries in sequence order.
func (s *Store) ListFunctionCallLogs(ctx context.Context, runID string) ([]domain.FunctionCallLogEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.callsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}

	out := make([]domain.FunctionCallLogEntry, 0, len(raw))
	for callID, val := range raw {
		var entry domain.FunctionCallLogEntry
		if err := s.decode([]byte(val), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call log %s: %w", callID, err)
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
