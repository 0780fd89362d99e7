package cache

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

// BadgerStore is the persistent tier backed by a badger database. Entries
// expire after maxAge (badger TTL); the value log is garbage collected by a
// background loop.
type BadgerStore struct {
	db     *badger.DB
	maxAge time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(dir string, maxAge time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{}).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't open badger db in %q: %w", dir, err)
	}

	s := &BadgerStore{
		db:     db,
		maxAge: maxAge,
		//
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go s.startGCProcess()

	return s, nil
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, imgload.ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

func (s *BadgerStore) Check(key string) error {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return imgload.ErrCacheMiss
	}
	return err
}

func (s *BadgerStore) Set(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if s.maxAge > 0 {
			entry = entry.WithTTL(s.maxAge)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Remove(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// startGCProcess periodically reclaims space from expired entries.
func (s *BadgerStore) startGCProcess() {
	defer close(s.doneCh)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// GC reclaims at most one value log file per call.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *BadgerStore) Close() error {
	close(s.stopCh)
	<-s.doneCh

	return s.db.Close()
}

// badgerLogger forwards badger's own logs to rlog. Badger is chatty on
// Info, so its info messages are logged as debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, v ...any)   { rlog.Errorf("badger: "+format, v...) }
func (badgerLogger) Warningf(format string, v ...any) { rlog.Warnf("badger: "+format, v...) }
func (badgerLogger) Infof(format string, v ...any)    { rlog.Debugf("badger: "+format, v...) }
func (badgerLogger) Debugf(format string, v ...any)   { rlog.Debugf("badger: "+format, v...) }
