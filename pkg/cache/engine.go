// Package cache implements the two-tier cache engine: decoded images in
// memory in front of a persistent store with raw bytes.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/metrics"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

type Engine struct {
	memory *memoryTier
	store  Store
}

var _ imgload.CacheEngine = (*Engine)(nil)

func NewEngine(store Store, memoryCacheSize int64) *Engine {
	return &Engine{
		memory: newMemoryTier(memoryCacheSize),
		store:  store,
	}
}

// operation implements [imgload.CacheOperation]. Cancelling it suppresses
// the completion callback.
type operation struct {
	mu        sync.Mutex
	cancelled bool
}

func (op *operation) Cancel() {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.cancelled = true
}

// deliver invokes f unless the operation was cancelled. The lock is not
// held during the call.
func (op *operation) deliver(f func()) {
	op.mu.Lock()
	cancelled := op.cancelled
	op.mu.Unlock()

	if !cancelled {
		f()
	}
}

// Lookup queries the memory tier and falls back to the persistent one. Disk
// hits are decoded and promoted to memory. The lookup runs asynchronously
// unless opts.SyncDiskQuery is set.
func (e *Engine) Lookup(key string, opts imgload.CacheLookupOptions, done imgload.CacheLookupFn) imgload.CacheOperation {
	op := &operation{}
	if opts.SyncDiskQuery {
		e.lookup(op, key, opts, done)
	} else {
		go e.lookup(op, key, opts, done)
	}
	return op
}

func (e *Engine) lookup(op *operation, key string, opts imgload.CacheLookupOptions, done imgload.CacheLookupFn) {
	if img, data, ok := e.memory.get(key); ok {
		if opts.LoadRawData && data == nil {
			if raw, err := e.store.Get(key); err == nil {
				data = raw
			}
		}
		metrics.CacheHits.WithLabelValues("memory").Inc()
		op.deliver(func() { done(img, data, imgload.TierMemory) })
		return
	}

	data, err := e.store.Get(key)
	switch {
	case errors.Is(err, imgload.ErrCacheMiss):
		metrics.CacheMisses.Inc()
		op.deliver(func() { done(nil, nil, imgload.TierNone) })

	case err != nil:
		metrics.CacheErrors.Inc()
		rlog.Errorf("couldn't read %q from the persistent cache: %s", key, err)
		op.deliver(func() { done(nil, nil, imgload.TierNone) })

	default:
		img, decErr := imgload.DecodeImage(data)
		if decErr != nil {
			metrics.CacheErrors.Inc()
			rlog.Errorf("couldn't decode cached image %q: %s", key, decErr)

			// The entry is unusable, drop it to re-download next time.
			if err := e.store.Remove(key); err != nil {
				rlog.Errorf("couldn't remove broken cache entry %q: %s", key, err)
			}
			op.deliver(func() { done(nil, nil, imgload.TierNone) })
			return
		}

		e.memory.set(key, img, data)
		metrics.CacheHits.WithLabelValues("disk").Inc()
		op.deliver(func() { done(img, data, imgload.TierDisk) })
	}
}

// CheckDisk asynchronously reports whether the persistent tier has the key.
func (e *Engine) CheckDisk(key string, done func(exists bool)) imgload.CacheOperation {
	op := &operation{}
	go func() {
		err := e.store.Check(key)
		if err != nil && !errors.Is(err, imgload.ErrCacheMiss) {
			metrics.CacheErrors.Inc()
			rlog.Errorf("couldn't check %q in the persistent cache: %s", key, err)
		}
		op.deliver(func() { done(err == nil) })
	}()
	return op
}

// Store saves an image to the memory tier and, when toDisk is set, to the
// persistent one. With nil data the image is serialized with
// [imgload.EncodeImage]. done may be nil.
func (e *Engine) Store(img *imgload.Image, data []byte, key string, toDisk bool, done func()) {
	go func() {
		if img != nil || data != nil {
			e.memory.set(key, img, data)
		}

		if toDisk {
			out := data
			if out == nil && img != nil {
				var err error
				out, err = imgload.EncodeImage(img)
				if err != nil {
					rlog.Errorf("couldn't serialize image %q for the persistent cache: %s", key, err)
				}
			}
			if out != nil {
				if err := e.store.Set(key, out); err != nil {
					metrics.CacheErrors.Inc()
					rlog.Errorf("couldn't write %q to the persistent cache: %s", key, err)
				}
			}
		}

		if done != nil {
			done()
		}
	}()
}

// MemoryLookup is a synchronous best-effort check of the memory tier.
func (e *Engine) MemoryLookup(key string) *imgload.Image {
	img, _, _ := e.memory.get(key)
	return img
}

// Remove drops the key from both tiers.
func (e *Engine) Remove(key string) error {
	e.memory.remove(key)
	return e.store.Remove(key)
}

// Shutdown closes the persistent store with respect of the passed context.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- e.store.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
