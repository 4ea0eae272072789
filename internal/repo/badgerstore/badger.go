// Package badgerstore is the file-backed durable store used on the device.
//
// Key layout:
//
//	alert/<id>                 JSON domain.AlertEvent
//	attempt/<alertID>/<seq>    JSON domain.DeliveryAttempt, seq zero-padded
//	zone/<id>                  JSON domain.SafetyZone
//	contact/<id>               JSON domain.TrustedContact (identifiers sealed)
//
// Writes are synchronous so an event inserted before a crash is found
// PENDING on the next start.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/safealert/internal/repo"
)

const (
	prefixAlert   = "alert/"
	prefixAttempt = "attempt/"
	prefixZone    = "zone/"
	prefixContact = "contact/"
	seqAttempt    = "seq/attempt"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig is for tests: no disk I/O, nothing survives Close.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	inMemory bool
	log      *zap.Logger

	// beforePurgeCommit runs inside a purge transaction just before commit.
	beforePurgeCommit func(id string)
}

// zapBadgerLogger adapts zap to badger's Logger interface.
type zapBadgerLogger struct{ s *zap.SugaredLogger }

func (l zapBadgerLogger) Errorf(f string, a ...interface{}) { l.s.Errorf(f, a...) }
func (l zapBadgerLogger) Warningf(f string, a ...interface{}) { l.s.Warnf(f, a...) }
func (l zapBadgerLogger) Infof(f string, a ...interface{}) { l.s.Debugf(f, a...) }
func (l zapBadgerLogger) Debugf(f string, a ...interface{}) { l.s.Debugf(f, a...) }

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(zapBadgerLogger{s: log.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqAttempt), 256)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attempt sequence: %w", err)
	}
	return &Store{db: db, seq: seq, inMemory: cfg.InMemory, log: log}, nil
}

func (s *Store) Close() error {
	return multierr.Append(s.seq.Release(), s.db.Close())
}

// RunGC triggers value log garbage collection every interval until ctx ends.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if s.inMemory || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("badger_gc_error", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error { return json.Unmarshal(b, v) })
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

// scan decodes every value under prefix with fn.
func scan(txn *badger.Txn, prefix string, fn func(key []byte, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(b []byte) error { return fn(key, b) }); err != nil {
			return err
		}
	}
	return nil
}

var _ repo.Store = (*Store)(nil)
