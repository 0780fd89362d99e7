package cache

import "github.com/mitrofmep/imgload/imgload"

// Store is the persistent tier: raw image bytes keyed by cache key. Get and
// Check return [imgload.ErrCacheMiss] for unknown keys.
type Store interface {
	Get(key string) ([]byte, error)
	Check(key string) error
	Set(key string, data []byte) error
	Remove(key string) error
	Close() error
}

// NoopStore is used when the persistent cache is disabled: every lookup is
// a miss, every write is dropped.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (NoopStore) Get(string) ([]byte, error) { return nil, imgload.ErrCacheMiss }
func (NoopStore) Check(string) error         { return imgload.ErrCacheMiss }
func (NoopStore) Set(string, []byte) error   { return nil }
func (NoopStore) Remove(string) error        { return nil }
func (NoopStore) Close() error               { return nil }
