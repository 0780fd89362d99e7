package imgload

// Option is a set of flags that tune a single load request.
type Option uint32

const (
	// RetryFailed ignores the failure blocklist for this request and, on
	// success, removes the location from it.
	RetryFailed Option = 1 << iota
	// CacheOnly serves only from the cache engine, never from the network.
	CacheOnly
	// QueryDiskSync forces the disk check of the cache lookup to complete
	// synchronously, before Start returns.
	QueryDiskSync
	// CacheMemoryOnly keeps the downloaded image in the memory tier only.
	CacheMemoryOnly
	// LowPriority makes the download yield worker slots to normal requests.
	LowPriority
	// HighPriority makes the download bypass worker slot limits.
	HighPriority
	// ProgressiveDownload enables progress reporting while the body is read.
	ProgressiveDownload
	// ContinueInBackground keeps downloads running independently of any
	// caller context.
	ContinueInBackground
	// HandleCookies sends and stores cookies for the download.
	HandleCookies
	// AllowInsecureTLS disables TLS certificate validation for the download.
	AllowInsecureTLS
	// RefreshCached delivers a cached image as a non-terminal result and
	// re-validates it against the remote side.
	RefreshCached
	// ScaleDownLargeImages downscales decoded images that exceed the
	// configured max dimension.
	ScaleDownLargeImages
	// TransformAnimatedImages applies the transform hook even to multi-frame
	// images, which are skipped by default.
	TransformAnimatedImages
)

// Has reports whether all bits of flag are set.
func (o Option) Has(flag Option) bool {
	return o&flag == flag
}
