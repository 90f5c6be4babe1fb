package resumption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

var badgerKey = []byte("live/resumption/last")

type BadgerOptions struct {
	// Dir is required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerStore keeps the record in an embedded badger database so a single
// gateway instance keeps its handle across restarts without a network store.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("resumption: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: opts.Logger})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("resumption: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(_ context.Context) (Record, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resumption: badger get: %w", err)
	}
	return decodeRecord(val)
}

func (s *BadgerStore) Save(_ context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey, data)
	})
}

func (s *BadgerStore) Clear(_ context.Context) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes warnings and errors to slog and drops the chatty levels.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Error(fmt.Sprintf("badger: "+f, v...))
	}
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(fmt.Sprintf("badger: "+f, v...))
	}
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
