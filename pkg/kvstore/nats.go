package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSStore keeps trade state and balance in a JetStream key-value bucket. Bucket revisions are
// the stream sequence of the last write, so Update maps directly onto JetStream's
// expected-last-sequence check.
type NATSStore struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *logrus.Logger
}

func NewNATSStore(url, bucket string, timeout time.Duration, logger *logrus.Logger) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("sma-trader"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(timeout))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		logger.WithField("bucket", bucket).Info("Creating state bucket")
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "Per-asset trade state and the shared balance",
			History:     5,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to bind state bucket %s: %w", bucket, err)
	}

	return &NATSStore{nc: nc, kv: kv, logger: logger}, nil
}

func (s *NATSStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(key, value)
	if isWrongSequence(err) {
		return 0, ErrExists
	}
	return rev, err
}

func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Update(key, value, revision)
	if isWrongSequence(err) {
		return 0, ErrRevisionMismatch
	}
	return rev, err
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.kv.Put(key, value)
}

func (s *NATSStore) Close() error {
	return s.nc.Drain()
}

func isWrongSequence(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
