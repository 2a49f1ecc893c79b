package kv

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/talkie-voice-lab/internal/logging"
)

// Badger is a Store backed by BadgerDB v4.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the on-disk store. Dir is required unless
// InMemory is set.
type BadgerOptions struct {
	Dir      string
	InMemory bool
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("kv: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(zapBadgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.encode())
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.encode())
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) Close() error { return b.db.Close() }

// zapBadgerLogger routes badger's warnings and errors to the process logger
// and drops its chatty info/debug output.
type zapBadgerLogger struct{}

func (zapBadgerLogger) Errorf(f string, v ...interface{}) {
	logging.Base().Sugar().Errorf("badger: "+f, v...)
}

func (zapBadgerLogger) Warningf(f string, v ...interface{}) {
	logging.Base().Sugar().Warnf("badger: "+f, v...)
}

func (zapBadgerLogger) Infof(string, ...interface{})  {}
func (zapBadgerLogger) Debugf(string, ...interface{}) {}
