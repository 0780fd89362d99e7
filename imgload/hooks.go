package imgload

// Hooks are optional policy extension points of the loader. Every field may
// be nil, in which case the default behavior applies. All hooks are invoked
// synchronously by the loader at a fixed point of the request pipeline.
type Hooks struct {
	// CacheKey overrides the default key derivation ([Location.CacheKey]).
	CacheKey func(loc Location) string

	// ShouldDownload can veto the network fetch for a location. Cached
	// results are still served.
	ShouldDownload func(loc Location) bool

	// Transform post-processes a downloaded image before it is cached and
	// delivered. Returning the input unchanged is a no-op: the original
	// bytes are reused. Multi-frame images are passed in only when the
	// request sets [TransformAnimatedImages].
	Transform func(img *Image, loc Location) *Image

	// PermanentFailure overrides the error classification that decides
	// whether a failed location is blocklisted.
	PermanentFailure func(err error) bool

	// Serialize overrides how images are serialized for the persistent tier.
	Serialize func(img *Image, data []byte, loc Location) []byte
}
