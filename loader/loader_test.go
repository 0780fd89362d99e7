package loader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mitrofmep/imgload/imgload"
)

func newTestImage(t *testing.T, width, height int) (*imgload.Image, []byte) {
	t.Helper()

	buf := bytes.NewBuffer(nil)
	err := png.Encode(buf, image.NewRGBA(image.Rect(0, 0, width, height)))
	require.NoError(t, err)

	img, err := imgload.DecodeImage(buf.Bytes())
	require.NoError(t, err)

	return img, buf.Bytes()
}

type fakeCacheOp struct {
	cancelled atomic.Bool
}

func (op *fakeCacheOp) Cancel() {
	op.cancelled.Store(true)
}

type storeCall struct {
	key    string
	img    *imgload.Image
	data   []byte
	toDisk bool
}

type fakeCache struct {
	mu     sync.Mutex
	images map[string]*imgload.Image
	data   map[string][]byte
	tier   imgload.CacheTier
	stored []storeCall

	lookupCount atomic.Int32
	// gate, if non-nil, blocks lookups until closed.
	gate chan struct{}
}

var _ imgload.CacheEngine = (*fakeCache)(nil)

func newFakeCache() *fakeCache {
	return &fakeCache{
		images: make(map[string]*imgload.Image),
		data:   make(map[string][]byte),
		tier:   imgload.TierMemory,
	}
}

func (c *fakeCache) put(key string, img *imgload.Image, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.images[key] = img
	c.data[key] = data
}

func (c *fakeCache) Lookup(key string, _ imgload.CacheLookupOptions, done imgload.CacheLookupFn) imgload.CacheOperation {
	c.lookupCount.Add(1)

	op := &fakeCacheOp{}
	go func() {
		if c.gate != nil {
			<-c.gate
		}
		if op.cancelled.Load() {
			return
		}

		c.mu.Lock()
		img := c.images[key]
		data := c.data[key]
		tier := c.tier
		c.mu.Unlock()

		if img == nil {
			tier = imgload.TierNone
		}
		done(img, data, tier)
	}()
	return op
}

func (c *fakeCache) CheckDisk(key string, done func(exists bool)) imgload.CacheOperation {
	op := &fakeCacheOp{}
	go func() {
		c.mu.Lock()
		_, ok := c.images[key]
		c.mu.Unlock()

		if !op.cancelled.Load() {
			done(ok)
		}
	}()
	return op
}

func (c *fakeCache) Store(img *imgload.Image, data []byte, key string, toDisk bool, done func()) {
	c.mu.Lock()
	c.stored = append(c.stored, storeCall{key: key, img: img, data: data, toDisk: toDisk})
	c.mu.Unlock()

	if done != nil {
		done()
	}
}

func (c *fakeCache) MemoryLookup(key string) *imgload.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.images[key]
}

func (c *fakeCache) storedCalls() []storeCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]storeCall(nil), c.stored...)
}

type fakeToken struct {
	cancelled atomic.Bool
}

func (t *fakeToken) Cancel() {
	t.cancelled.Store(true)
}

type fakeTransport struct {
	mu         sync.Mutex
	fetchCount atomic.Int32
	lastOpts   imgload.FetchOptions

	// respond produces the terminal fetch outcome.
	respond func(loc imgload.Location) (*imgload.Image, []byte, error)
}

var _ imgload.Transport = (*fakeTransport)(nil)

func (tr *fakeTransport) Fetch(
	loc imgload.Location, opts imgload.FetchOptions,
	_ imgload.FetchProgressFn, onDone imgload.FetchCompletionFn,
) imgload.FetchToken {

	tr.fetchCount.Add(1)
	tr.mu.Lock()
	tr.lastOpts = opts
	tr.mu.Unlock()

	token := &fakeToken{}
	go func() {
		img, data, err := tr.respond(loc)
		if token.cancelled.Load() {
			return
		}
		onDone(img, data, err, true)
	}()
	return token
}

func (tr *fakeTransport) Cancel(t imgload.FetchToken) {
	if t != nil {
		t.Cancel()
	}
}

func respondWith(img *imgload.Image, data []byte, err error) func(imgload.Location) (*imgload.Image, []byte, error) {
	return func(imgload.Location) (*imgload.Image, []byte, error) {
		return img, data, err
	}
}

func newTestLoader(t *testing.T, cache *fakeCache, transport *fakeTransport, hooks imgload.Hooks) *Loader {
	t.Helper()

	l := New(cache, transport, hooks)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, l.Shutdown(ctx))
	})
	return l
}

func waitResult(t *testing.T, resCh <-chan Result) Result {
	t.Helper()

	select {
	case res := <-resCh:
		return res
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func requireNoResult(t *testing.T, resCh <-chan Result) {
	t.Helper()

	select {
	case res := <-resCh:
		t.Fatalf("unexpected result: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

const testURL = "https://example.com/pics/cat.png"

func TestLoader_DownloadAndCache(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(img, data, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.NoError(res.Err)
	r.True(res.Finished)
	r.Same(img, res.Image)
	r.Equal(data, res.Data)
	r.Equal(imgload.TierNone, res.Tier)
	r.Equal(testURL, res.Location.String())

	requireNoResult(t, resCh)
	r.False(l.IsAnyRequestRunning())

	stored := cache.storedCalls()
	r.Len(stored, 1)
	r.Equal(testURL, stored[0].key)
	r.True(stored[0].toDisk)
	r.Equal(data, stored[0].data)
}

func TestLoader_InvalidLocation(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	for _, rawLocation := range []string{
		"",
		"not a url at all\x7f",
		"ftp://example.com/cat.png",
		"/just/a/path",
	} {
		t.Run(rawLocation, func(t *testing.T) {
			r := require.New(t)

			resCh := make(chan Result, 2)
			h := l.Start(rawLocation, 0, nil, func(res Result) { resCh <- res })
			r.NotNil(h)

			res := waitResult(t, resCh)
			r.ErrorIs(res.Err, imgload.ErrNotFound)
			r.True(res.Finished)
			r.Nil(res.Image)

			requireNoResult(t, resCh)
		})
	}

	r := require.New(t)
	r.False(l.IsAnyRequestRunning())
	r.Zero(cache.lookupCount.Load())
	r.Zero(transport.fetchCount.Load())
}

func TestLoader_CacheHit(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	cache.put(testURL, img, data)
	transport := &fakeTransport{respond: respondWith(nil, nil, errors.New("must not be called"))}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.NoError(res.Err)
	r.True(res.Finished)
	r.Same(img, res.Image)
	r.Equal(imgload.TierMemory, res.Tier)

	requireNoResult(t, resCh)
	r.Zero(transport.fetchCount.Load())
}

func TestLoader_CacheOnlyMiss(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, errors.New("must not be called"))}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(testURL, imgload.CacheOnly, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.NoError(res.Err)
	r.True(res.Finished)
	r.Nil(res.Image)
	r.Equal(imgload.TierNone, res.Tier)

	r.Zero(transport.fetchCount.Load())
}

func TestLoader_DownloadVeto(t *testing.T) {
	t.Parallel()

	img, data := newTestImage(t, 4, 4)

	t.Run("no cached image", func(t *testing.T) {
		r := require.New(t)

		cache := newFakeCache()
		transport := &fakeTransport{respond: respondWith(img, data, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{
			ShouldDownload: func(imgload.Location) bool { return false },
		})

		resCh := make(chan Result, 2)
		l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.NoError(res.Err)
		r.True(res.Finished)
		r.Nil(res.Image)
		r.Zero(transport.fetchCount.Load())
	})

	t.Run("cached image is still served", func(t *testing.T) {
		r := require.New(t)

		cache := newFakeCache()
		cache.put(testURL, img, data)
		transport := &fakeTransport{respond: respondWith(nil, nil, errors.New("must not be called"))}
		l := newTestLoader(t, cache, transport, imgload.Hooks{
			ShouldDownload: func(imgload.Location) bool { return false },
		})

		resCh := make(chan Result, 2)
		l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.True(res.Finished)
		r.Same(img, res.Image)
		r.Zero(transport.fetchCount.Load())
	})
}

func TestLoader_RefreshCached(t *testing.T) {
	t.Parallel()

	cachedImg, cachedData := newTestImage(t, 4, 4)

	t.Run("remote not modified", func(t *testing.T) {
		r := require.New(t)

		cache := newFakeCache()
		cache.put(testURL, cachedImg, cachedData)
		// A transport-level cache hit completes with no image and no error.
		transport := &fakeTransport{respond: respondWith(nil, nil, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{})

		resCh := make(chan Result, 2)
		l.Start(testURL, imgload.RefreshCached, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.NoError(res.Err)
		r.False(res.Finished)
		r.Same(cachedImg, res.Image)
		r.Equal(cachedData, res.Data)
		r.Equal(imgload.TierMemory, res.Tier)

		// The terminal callback is suppressed entirely.
		requireNoResult(t, resCh)

		require.Eventually(t, func() bool {
			return !l.IsAnyRequestRunning()
		}, time.Second, 10*time.Millisecond)
		r.Equal(int32(1), transport.fetchCount.Load())
	})

	t.Run("remote modified", func(t *testing.T) {
		r := require.New(t)

		newImg, newData := newTestImage(t, 8, 8)

		cache := newFakeCache()
		cache.put(testURL, cachedImg, cachedData)
		transport := &fakeTransport{respond: respondWith(newImg, newData, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{})

		resCh := make(chan Result, 2)
		l.Start(testURL, imgload.RefreshCached, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.False(res.Finished)
		r.Same(cachedImg, res.Image)

		res = waitResult(t, resCh)
		r.True(res.Finished)
		r.Same(newImg, res.Image)
		r.Equal(newData, res.Data)

		requireNoResult(t, resCh)
	})
}

func TestLoader_BlocklistRoundTrip(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	permanentErr := errors.New("boom")

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, permanentErr)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	// Permanent error blocklists the location.
	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.ErrorIs(res.Err, permanentErr)
	r.True(res.Finished)
	require.Eventually(t, func() bool {
		return l.failed.Contains(testURL)
	}, time.Second, 10*time.Millisecond)

	// Without RetryFailed the request is refused before cache and transport.
	lookups, fetches := cache.lookupCount.Load(), transport.fetchCount.Load()

	resCh2 := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh2 <- res })

	res = waitResult(t, resCh2)
	r.ErrorIs(res.Err, imgload.ErrNotFound)
	r.Equal(lookups, cache.lookupCount.Load())
	r.Equal(fetches, transport.fetchCount.Load())

	// With RetryFailed the request proceeds, and success clears the record.
	transport.respond = respondWith(img, data, nil)

	resCh3 := make(chan Result, 2)
	l.Start(testURL, imgload.RetryFailed, nil, func(res Result) { resCh3 <- res })

	res = waitResult(t, resCh3)
	r.NoError(res.Err)
	r.Same(img, res.Image)
	r.False(l.failed.Contains(testURL))
}

func TestLoader_TransientErrorNotBlocklisted(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, &net.DNSError{Err: "no such host", Name: "example.com"})}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.Error(res.Err)
	r.False(l.failed.Contains(testURL))

	// The next request reaches the transport again.
	resCh2 := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh2 <- res })

	res = waitResult(t, resCh2)
	r.Error(res.Err)
	r.Equal(int32(2), transport.fetchCount.Load())
}

func TestLoader_PermanentFailureHook(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, errors.New("boom"))}
	l := newTestLoader(t, cache, transport, imgload.Hooks{
		PermanentFailure: func(error) bool { return false },
	})

	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	res := waitResult(t, resCh)
	r.Error(res.Err)

	requireNoResult(t, resCh)
	r.False(l.failed.Contains(testURL))
}

func TestLoader_CancelBeforeLookupCompletes(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	cache.put(testURL, img, data)
	cache.gate = make(chan struct{})
	transport := &fakeTransport{respond: respondWith(img, data, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	h := l.Start(testURL, 0, nil, func(res Result) { resCh <- res })
	r.True(l.IsAnyRequestRunning())

	h.Cancel()
	r.False(l.IsAnyRequestRunning())

	close(cache.gate)

	requireNoResult(t, resCh)
	r.Zero(transport.fetchCount.Load())
}

func TestLoader_CancelIsIdempotent(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	cache := newFakeCache()
	cache.gate = make(chan struct{})
	transport := &fakeTransport{respond: respondWith(nil, nil, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	h := l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	h.Cancel()
	h.Cancel()

	r.True(h.Cancelled())
	r.False(l.IsAnyRequestRunning())

	close(cache.gate)
	requireNoResult(t, resCh)
}

func TestLoader_CancelAll(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	cache := newFakeCache()
	cache.gate = make(chan struct{})
	transport := &fakeTransport{respond: respondWith(nil, nil, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	const requestCount = 5

	resCh := make(chan Result, 2*requestCount)
	for i := range requestCount {
		l.Start(testURL+"?i="+string(rune('a'+i)), 0, nil, func(res Result) { resCh <- res })
	}
	r.Equal(requestCount, l.running.Len())

	l.CancelAll()
	r.False(l.IsAnyRequestRunning())

	close(cache.gate)
	requireNoResult(t, resCh)
}

func TestLoader_TransformHook(t *testing.T) {
	t.Parallel()

	img, data := newTestImage(t, 4, 4)
	transformedImg, _ := newTestImage(t, 2, 2)

	t.Run("transform applied", func(t *testing.T) {
		r := require.New(t)

		cache := newFakeCache()
		transport := &fakeTransport{respond: respondWith(img, data, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{
			Transform: func(in *imgload.Image, _ imgload.Location) *imgload.Image {
				r.Same(img, in)
				return transformedImg
			},
		})

		resCh := make(chan Result, 2)
		l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.True(res.Finished)
		r.Same(transformedImg, res.Image)
		// The bytes are recomputed for the transformed image.
		r.NotEqual(data, res.Data)
		r.NotEmpty(res.Data)

		stored := cache.storedCalls()
		r.Len(stored, 1)
		r.Same(transformedImg, stored[0].img)
	})

	t.Run("no-op transform reuses original bytes", func(t *testing.T) {
		r := require.New(t)

		cache := newFakeCache()
		transport := &fakeTransport{respond: respondWith(img, data, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{
			Transform: func(in *imgload.Image, _ imgload.Location) *imgload.Image { return in },
		})

		resCh := make(chan Result, 2)
		l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.Same(img, res.Image)
		r.Equal(data, res.Data)
	})

	t.Run("animated images are skipped by default", func(t *testing.T) {
		r := require.New(t)

		animated := &imgload.Image{Pixels: img.Pixels, Format: "gif", FrameCount: 3}

		var transformCalls atomic.Int32

		cache := newFakeCache()
		transport := &fakeTransport{respond: respondWith(animated, data, nil)}
		l := newTestLoader(t, cache, transport, imgload.Hooks{
			Transform: func(in *imgload.Image, _ imgload.Location) *imgload.Image {
				transformCalls.Add(1)
				return transformedImg
			},
		})

		resCh := make(chan Result, 2)
		l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

		res := waitResult(t, resCh)
		r.Same(animated, res.Image)
		r.Zero(transformCalls.Load())

		resCh2 := make(chan Result, 2)
		l.Start(testURL, imgload.TransformAnimatedImages, nil, func(res Result) { resCh2 <- res })

		res = waitResult(t, resCh2)
		r.Same(transformedImg, res.Image)
		r.Equal(int32(1), transformCalls.Load())
	})
}

func TestLoader_MemoryOnlyCaching(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(img, data, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(testURL, imgload.CacheMemoryOnly, nil, func(res Result) { resCh <- res })

	waitResult(t, resCh)

	stored := cache.storedCalls()
	r.Len(stored, 1)
	r.False(stored[0].toDisk)
}

func TestLoader_KeyAndSerializeHooks(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)
	customData := []byte("serialized")

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(img, data, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{
		CacheKey: func(loc imgload.Location) string { return "key:" + loc.URL().Path },
		Serialize: func(in *imgload.Image, _ []byte, _ imgload.Location) []byte {
			r.Same(img, in)
			return customData
		},
	})

	resCh := make(chan Result, 2)
	l.Start(testURL, 0, nil, func(res Result) { resCh <- res })

	waitResult(t, resCh)

	stored := cache.storedCalls()
	r.Len(stored, 1)
	r.Equal("key:/pics/cat.png", stored[0].key)
	r.Equal(customData, stored[0].data)
}

func TestLoader_FetchOptionsDerivedFromLoadOptions(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(img, data, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	resCh := make(chan Result, 2)
	l.Start(
		testURL,
		imgload.HighPriority|imgload.ProgressiveDownload|imgload.HandleCookies|imgload.AllowInsecureTLS|imgload.ScaleDownLargeImages,
		nil,
		func(res Result) { resCh <- res },
	)
	waitResult(t, resCh)

	transport.mu.Lock()
	opts := transport.lastOpts
	transport.mu.Unlock()

	r.True(opts.HighPriority)
	r.True(opts.Progressive)
	r.True(opts.HandleCookies)
	r.True(opts.AllowInsecureTLS)
	r.True(opts.ScaleDown)
	r.False(opts.LowPriority)
	r.False(opts.Revalidate)
}

func TestLoader_SaveToCache(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	img, data := newTestImage(t, 4, 4)

	cache := newFakeCache()
	transport := &fakeTransport{respond: respondWith(nil, nil, nil)}
	l := newTestLoader(t, cache, transport, imgload.Hooks{})

	r.Error(l.SaveToCache(img, data, "not a url\x7f"))

	r.NoError(l.SaveToCache(img, data, testURL))

	stored := cache.storedCalls()
	r.Len(stored, 1)
	r.Equal(testURL, stored[0].key)
	r.True(stored[0].toDisk)
}
