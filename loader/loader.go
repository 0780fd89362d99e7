// Package loader coordinates image load requests: it decides whether a
// request is served from the cache engine, handed over to the transport
// engine, or refused, and it owns the lifecycle of every in-flight request.
package loader

import (
	"context"
	"fmt"

	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/metrics"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

// Result is what a completion callback receives. Image, Data and Err may
// independently be nil. Tier tells which cache tier produced the image
// (TierNone for downloads). Finished is false for the single optional
// intermediate delivery of a [imgload.RefreshCached] request.
type Result struct {
	Image    *imgload.Image
	Data     []byte
	Err      error
	Tier     imgload.CacheTier
	Finished bool
	Location imgload.Location
}

// Completion is invoked on the loader's delivery goroutine, exactly once
// with Finished=true per non-cancelled request.
type Completion func(res Result)

// Progress reports download progress. total is negative when unknown.
type Progress func(loc imgload.Location, received, total int64)

// Loader is the request coordinator. All methods are safe for concurrent
// use.
type Loader struct {
	cache     imgload.CacheEngine
	transport imgload.Transport
	hooks     imgload.Hooks

	failed  *failureRegistry
	running *inflightRegistry
	deliver *dispatcher
}

// New creates a loader on top of the passed collaborators. Hooks fields may
// be nil.
func New(cache imgload.CacheEngine, transport imgload.Transport, hooks imgload.Hooks) *Loader {
	return &Loader{
		cache:     cache,
		transport: transport,
		hooks:     hooks,
		//
		failed:  newFailureRegistry(),
		running: newInflightRegistry(),
		deliver: newDispatcher(),
	}
}

// Start begins an asynchronous load of rawLocation. It never blocks: the
// returned handle can be used to cancel the request at any point. onProgress
// may be nil.
//
// For a malformed location or a blocklisted one (without
// [imgload.RetryFailed]) the returned handle is already terminal and a
// single failure callback wrapping [imgload.ErrNotFound] is delivered.
func (l *Loader) Start(rawLocation string, opts imgload.Option, onProgress Progress, onDone Completion) *Handle {
	h := newHandle(l)

	loc, err := imgload.ParseLocation(rawLocation)
	if err != nil {
		metrics.LoaderRequestsRejected.Inc()
		l.failImmediately(h, loc, onDone, err)
		return h
	}

	key := l.cacheKey(loc)
	if l.failed.Contains(key) && !opts.Has(imgload.RetryFailed) {
		metrics.LoaderRequestsRejected.Inc()
		l.failImmediately(h, loc, onDone, fmt.Errorf("%w: location failed before and retries are disabled", imgload.ErrNotFound))
		return h
	}

	metrics.LoaderRequestsStarted.Inc()

	// The handle must be registered before any asynchronous work starts, so
	// that CancelAll issued right after Start observes it.
	l.running.Add(h)

	op := l.cache.Lookup(key, imgload.CacheLookupOptions{
		SyncDiskQuery: opts.Has(imgload.QueryDiskSync),
		LoadRawData:   opts.Has(imgload.RefreshCached),
	}, func(img *imgload.Image, data []byte, tier imgload.CacheTier) {
		l.onCacheLookupDone(h, loc, key, opts, onProgress, onDone, img, data, tier)
	})
	h.attachCacheOp(op)

	return h
}

// CancelAll cancels every in-flight request. The registry is snapshotted
// first and the handles are cancelled outside its lock.
func (l *Loader) CancelAll() {
	for _, h := range l.running.Snapshot() {
		h.Cancel()
	}
}

// IsAnyRequestRunning reports whether at least one request is in flight.
func (l *Loader) IsAnyRequestRunning() bool {
	return l.running.Len() > 0
}

// SaveToCache writes an image straight to the persistent tier under the
// location's derived key, bypassing the request pipeline.
func (l *Loader) SaveToCache(img *imgload.Image, data []byte, rawLocation string) error {
	loc, err := imgload.ParseLocation(rawLocation)
	if err != nil {
		return err
	}

	l.cache.Store(img, l.serialize(img, data, loc), l.cacheKey(loc), true, nil)
	return nil
}

// Shutdown cancels all requests and stops the delivery goroutine after
// draining already scheduled callbacks.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.CancelAll()

	done := make(chan struct{})
	go func() {
		l.deliver.Close()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (l *Loader) cacheKey(loc imgload.Location) string {
	if l.hooks.CacheKey != nil {
		return l.hooks.CacheKey(loc)
	}
	return loc.CacheKey()
}

// failImmediately delivers a terminal failure for a handle that was never
// registered.
func (l *Loader) failImmediately(h *Handle, loc imgload.Location, onDone Completion, err error) {
	l.deliver.Dispatch(func() {
		if !h.markTerminal() {
			return
		}
		if onDone != nil {
			onDone(Result{
				Err:      err,
				Tier:     imgload.TierNone,
				Finished: true,
				Location: loc,
			})
		}
	})
}

// onCacheLookupDone implements the download-or-not decision. It runs on the
// cache engine's worker, at most once per request.
func (l *Loader) onCacheLookupDone(
	h *Handle, loc imgload.Location, key string, opts imgload.Option,
	onProgress Progress, onDone Completion,
	img *imgload.Image, data []byte, tier imgload.CacheTier,
) {
	h.clearCacheOp()

	if h.Cancelled() {
		l.running.Remove(h)
		return
	}

	shouldDownload := !opts.Has(imgload.CacheOnly) &&
		(img == nil || opts.Has(imgload.RefreshCached)) &&
		(l.hooks.ShouldDownload == nil || l.hooks.ShouldDownload(loc))

	if img != nil && opts.Has(imgload.RefreshCached) {
		// Serve the possibly stale image right away; the refreshed one, if
		// any, follows as the terminal result.
		l.deliver.Dispatch(func() {
			if h.Cancelled() {
				return
			}
			if onDone != nil {
				onDone(Result{
					Image:    img,
					Data:     data,
					Tier:     tier,
					Finished: false,
					Location: loc,
				})
			}
		})
	}

	switch {
	case shouldDownload:
		l.startDownload(h, loc, key, opts, img != nil, onProgress, onDone)

	case img != nil:
		l.complete(h, onDone, Result{
			Image:    img,
			Data:     data,
			Tier:     tier,
			Finished: true,
			Location: loc,
		})

	default:
		// Nothing cached and the download was vetoed: terminal with no
		// image and no error.
		l.complete(h, onDone, Result{
			Tier:     imgload.TierNone,
			Finished: true,
			Location: loc,
		})
	}
}

func (l *Loader) startDownload(
	h *Handle, loc imgload.Location, key string, opts imgload.Option,
	hadCached bool, onProgress Progress, onDone Completion,
) {
	var progressFn imgload.FetchProgressFn
	if onProgress != nil {
		progressFn = func(received, total int64) {
			l.deliver.Dispatch(func() {
				if !h.Cancelled() {
					onProgress(loc, received, total)
				}
			})
		}
	}

	token := l.transport.Fetch(loc, imgload.FetchOptions{
		LowPriority:          opts.Has(imgload.LowPriority),
		HighPriority:         opts.Has(imgload.HighPriority),
		Progressive:          opts.Has(imgload.ProgressiveDownload),
		ContinueInBackground: opts.Has(imgload.ContinueInBackground),
		HandleCookies:        opts.Has(imgload.HandleCookies),
		AllowInsecureTLS:     opts.Has(imgload.AllowInsecureTLS),
		ScaleDown:            opts.Has(imgload.ScaleDownLargeImages),
		Revalidate:           opts.Has(imgload.RefreshCached),
	}, progressFn, func(img *imgload.Image, data []byte, err error, finished bool) {
		l.onFetchDone(h, loc, key, opts, hadCached, onDone, img, data, err, finished)
	})
	h.attachToken(token)
}

// onFetchDone handles the terminal outcome of a download. It runs on the
// transport engine's worker.
func (l *Loader) onFetchDone(
	h *Handle, loc imgload.Location, key string, opts imgload.Option,
	hadCached bool, onDone Completion,
	img *imgload.Image, data []byte, err error, finished bool,
) {
	if !finished {
		// Intermediate transport deliveries are surfaced via the progress
		// callback only.
		return
	}
	h.clearToken()

	// A cancelled request must never mutate shared state: no blocklist
	// update, no cache write, no callback.
	if h.Cancelled() {
		l.running.Remove(h)
		return
	}

	if err != nil {
		metrics.LoaderDownloadErrors.Inc()
		l.complete(h, onDone, Result{
			Err:      err,
			Tier:     imgload.TierNone,
			Finished: true,
			Location: loc,
		})

		if l.isPermanentFailure(err) {
			rlog.Debugf("blocklist %q after error: %s", loc, err)
			l.failed.Add(key)
			metrics.LoaderBlocklistSize.Set(float64(l.failed.Len()))
		}
		return
	}

	if opts.Has(imgload.RetryFailed) {
		l.failed.Remove(key)
		metrics.LoaderBlocklistSize.Set(float64(l.failed.Len()))
	}

	if img == nil {
		if opts.Has(imgload.RefreshCached) && hadCached {
			// The remote side confirmed the cached image is still fresh, so
			// the intermediate delivery already satisfied the caller.
			l.running.Remove(h)
			return
		}
		l.complete(h, onDone, Result{
			Tier:     imgload.TierNone,
			Finished: true,
			Location: loc,
		})
		return
	}

	toDisk := !opts.Has(imgload.CacheMemoryOnly)

	if l.hooks.Transform != nil && (!img.Animated() || opts.Has(imgload.TransformAnimatedImages)) {
		// Transforms can be expensive, keep them off the transport worker.
		go l.transformAndComplete(h, loc, key, toDisk, onDone, img, data)
		return
	}

	l.cache.Store(img, l.serialize(img, data, loc), key, toDisk, nil)
	l.complete(h, onDone, Result{
		Image:    img,
		Data:     data,
		Tier:     imgload.TierNone,
		Finished: true,
		Location: loc,
	})
}

func (l *Loader) transformAndComplete(
	h *Handle, loc imgload.Location, key string, toDisk bool,
	onDone Completion, img *imgload.Image, data []byte,
) {
	transformed := l.hooks.Transform(img, loc)
	if transformed == nil {
		transformed = img
	}

	out := data
	if transformed != img {
		if l.hooks.Serialize != nil {
			out = l.hooks.Serialize(transformed, data, loc)
		} else {
			var err error
			out, err = imgload.EncodeImage(transformed)
			if err != nil {
				rlog.Errorf("couldn't serialize transformed image for %q: %s", loc, err)
				out = nil
			}
		}
	}

	l.cache.Store(transformed, out, key, toDisk, nil)
	l.complete(h, onDone, Result{
		Image:    transformed,
		Data:     out,
		Tier:     imgload.TierNone,
		Finished: true,
		Location: loc,
	})
}

// complete deregisters the handle and delivers the terminal result.
func (l *Loader) complete(h *Handle, onDone Completion, res Result) {
	l.running.Remove(h)

	l.deliver.Dispatch(func() {
		if !h.markTerminal() {
			return
		}
		if onDone != nil {
			onDone(res)
		}
	})
}

func (l *Loader) serialize(img *imgload.Image, data []byte, loc imgload.Location) []byte {
	if l.hooks.Serialize != nil {
		return l.hooks.Serialize(img, data, loc)
	}
	return data
}

func (l *Loader) isPermanentFailure(err error) bool {
	if l.hooks.PermanentFailure != nil {
		return l.hooks.PermanentFailure(err)
	}
	return !isTransientError(err)
}
