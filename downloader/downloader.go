// Package downloader implements the transport engine: an HTTP image fetcher
// with per-fetch cancellation, priority slots and conditional revalidation.
package downloader

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"runtime"
	"sync"
	"time"

	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/metrics"
	"github.com/mitrofmep/imgload/pkg/misc"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

const (
	userAgent = "imgload (https://github.com/mitrofmep/imgload)"

	// lowPriorityDelay is how long a low-priority fetch waits before
	// competing for a worker slot.
	lowPriorityDelay = 100 * time.Millisecond

	readChunkSize = 32 << 10
)

type Config struct {
	// Timeout of a single download, 2m by default.
	Timeout time.Duration
	// WorkersCount limits concurrent downloads, 2*GOMAXPROCS by default.
	// High-priority fetches bypass the limit.
	WorkersCount int
	// MaxImageDimension is the downscale target for fetches with
	// [imgload.FetchOptions].ScaleDown, 2048 by default.
	MaxImageDimension int
}

type Downloader struct {
	cfg Config

	transport         http.RoundTripper
	insecureTransport http.RoundTripper
	jar               http.CookieJar

	slots chan struct{}

	// validators remembers ETag/Last-Modified per location for conditional
	// revalidation of forced refreshes.
	validatorsMu sync.Mutex
	validators   map[string]validators
}

type validators struct {
	etag         string
	lastModified string
}

var _ imgload.Transport = (*Downloader)(nil)

func New(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.WorkersCount <= 0 {
		cfg.WorkersCount = 2 * runtime.GOMAXPROCS(0)
	}
	if cfg.MaxImageDimension <= 0 {
		cfg.MaxImageDimension = 2048
	}

	// Cookie jar errors are only possible with a non-nil PublicSuffixList.
	jar, _ := cookiejar.New(nil)

	return &Downloader{
		cfg: cfg,
		//
		transport: http.DefaultTransport,
		insecureTransport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
		jar: jar,
		//
		slots:      make(chan struct{}, cfg.WorkersCount),
		validators: make(map[string]validators),
	}
}

// token cancels the context of one fetch.
type token struct {
	cancel context.CancelFunc
}

func (t *token) Cancel() {
	t.cancel()
}

// Fetch starts an asynchronous download. onDone is invoked exactly once
// with finished=true; the fetch keeps running until then regardless of any
// caller context ([imgload.FetchOptions].ContinueInBackground is therefore
// always honored).
func (d *Downloader) Fetch(
	loc imgload.Location, opts imgload.FetchOptions,
	onProgress imgload.FetchProgressFn, onDone imgload.FetchCompletionFn,
) imgload.FetchToken {

	ctx, cancel := context.WithCancel(context.Background())
	go d.fetch(ctx, loc, opts, onProgress, onDone)

	return &token{cancel: cancel}
}

func (d *Downloader) Cancel(t imgload.FetchToken) {
	if t != nil {
		t.Cancel()
	}
}

func (d *Downloader) fetch(
	ctx context.Context, loc imgload.Location, opts imgload.FetchOptions,
	onProgress imgload.FetchProgressFn, onDone imgload.FetchCompletionFn,
) {
	if !opts.HighPriority {
		if opts.LowPriority {
			time.Sleep(lowPriorityDelay)
		}
		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-ctx.Done():
			onDone(nil, nil, ctx.Err(), true)
			return
		}
	}

	now := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		onDone(nil, nil, fmt.Errorf("couldn't prepare request for %q: %w", loc, err), true)
		return
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")
	req.Header.Set("User-Agent", userAgent)

	if opts.Revalidate {
		req.Header.Set("Cache-Control", "no-cache")
		if v, ok := d.getValidators(loc); ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
	}

	client := &http.Client{
		Transport: d.transport,
		Timeout:   d.cfg.Timeout,
	}
	if opts.AllowInsecureTLS {
		client.Transport = d.insecureTransport
	}
	if opts.HandleCookies {
		client.Jar = d.jar
	}

	resp, err := client.Do(req)
	if err != nil {
		onDone(nil, nil, fmt.Errorf("couldn't download %q: %w", loc, err), true)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// The cached copy is still fresh, there's nothing to re-deliver.
		metrics.DownloadsNotModified.Inc()
		onDone(nil, nil, nil, true)
		return

	case resp.StatusCode != http.StatusOK:
		onDone(nil, nil, &StatusError{Code: resp.StatusCode}, true)
		return
	}

	data, err := readBody(resp, opts, onProgress)
	if err != nil {
		onDone(nil, nil, fmt.Errorf("couldn't read body of %q: %w", loc, err), true)
		return
	}

	img, err := imgload.DecodeImage(data)
	if err != nil {
		onDone(nil, nil, err, true)
		return
	}
	if opts.ScaleDown {
		img = scaleDown(img, d.cfg.MaxImageDimension)
	}

	d.storeValidators(loc, resp.Header)

	dur := time.Since(now)
	metrics.DownloadDuration.Observe(dur.Seconds())
	metrics.DownloadedImageSizes.Observe(float64(len(data)))
	rlog.Debugf("downloaded %q in %s, size: %s", loc, dur, misc.FormatFileSize(int64(len(data))))

	onDone(img, data, nil, true)
}

func readBody(resp *http.Response, opts imgload.FetchOptions, onProgress imgload.FetchProgressFn) ([]byte, error) {
	if !opts.Progressive || onProgress == nil {
		return io.ReadAll(resp.Body)
	}

	total := resp.ContentLength

	var (
		data     []byte
		received int64
		chunk    = make([]byte, readChunkSize)
	)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
			received += int64(n)
			onProgress(received, total)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (d *Downloader) getValidators(loc imgload.Location) (validators, bool) {
	d.validatorsMu.Lock()
	defer d.validatorsMu.Unlock()

	v, ok := d.validators[loc.String()]
	return v, ok
}

func (d *Downloader) storeValidators(loc imgload.Location, header http.Header) {
	v := validators{
		etag:         header.Get("Etag"),
		lastModified: header.Get("Last-Modified"),
	}
	if v.etag == "" && v.lastModified == "" {
		return
	}

	d.validatorsMu.Lock()
	defer d.validatorsMu.Unlock()

	d.validators[loc.String()] = v
}

// StatusError is reported for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.Code)
}
