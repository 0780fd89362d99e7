package imgload

// CacheTier tells which cache tier satisfied a lookup.
type CacheTier int

const (
	TierNone CacheTier = iota
	TierMemory
	TierDisk
)

func (t CacheTier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return "none"
	}
}

// CacheOperation is a handle of an in-flight cache lookup. Cancel is
// best-effort and safe to call multiple times.
type CacheOperation interface {
	Cancel()
}

type CacheLookupOptions struct {
	// SyncDiskQuery completes the whole lookup, disk check included, before
	// Lookup returns.
	SyncDiskQuery bool
	// LoadRawData loads raw bytes from disk even when the memory tier has
	// the decoded image.
	LoadRawData bool
}

// CacheLookupFn is invoked exactly once per lookup, unless the operation was
// cancelled first. img and data may independently be nil.
type CacheLookupFn func(img *Image, data []byte, tier CacheTier)

// CacheEngine is the two-tier cache collaborator of the loader.
type CacheEngine interface {
	Lookup(key string, opts CacheLookupOptions, done CacheLookupFn) CacheOperation
	CheckDisk(key string, done func(exists bool)) CacheOperation
	// Store saves an image under key. data may be nil, in which case the
	// engine serializes the image itself. done is optional.
	Store(img *Image, data []byte, key string, toDisk bool, done func())
	// MemoryLookup is a synchronous best-effort check of the memory tier.
	MemoryLookup(key string) *Image
}

// FetchToken identifies an in-flight download for cancellation.
type FetchToken interface {
	Cancel()
}

type FetchOptions struct {
	LowPriority          bool
	HighPriority         bool
	Progressive          bool
	ContinueInBackground bool
	HandleCookies        bool
	AllowInsecureTLS     bool
	ScaleDown            bool
	// Revalidate re-validates against the remote side instead of trusting
	// any transport-level response cache. A fetch that is satisfied by the
	// response cache completes with no image and no error.
	Revalidate bool
}

type FetchProgressFn func(received, total int64)

// FetchCompletionFn reports download results. It may be invoked multiple
// times with finished=false before exactly one finished=true invocation.
type FetchCompletionFn func(img *Image, data []byte, err error, finished bool)

// Transport is the network collaborator of the loader.
type Transport interface {
	Fetch(loc Location, opts FetchOptions, onProgress FetchProgressFn, onDone FetchCompletionFn) FetchToken
	Cancel(token FetchToken)
}
