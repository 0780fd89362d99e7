package loader

import (
	"sync"

	"github.com/mitrofmep/imgload/imgload"
)

// Handle represents one logical load request. It is returned by
// [Loader.Start] and stays registered with the loader until the terminal
// callback is delivered or the handle is cancelled.
//
// The loader reference is non-owning: the handle uses it only to cancel the
// download token and to deregister itself.
type Handle struct {
	loader *Loader

	mu        sync.Mutex
	cancelled bool
	terminal  bool
	cacheOp   imgload.CacheOperation
	token     imgload.FetchToken
}

func newHandle(l *Loader) *Handle {
	return &Handle{loader: l}
}

// Cancel stops the request: the cache lookup and the download are cancelled
// and the handle is deregistered. No callbacks are delivered after Cancel
// returns. Calling Cancel multiple times is safe.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled {
		return
	}
	h.cancelled = true

	if h.cacheOp != nil {
		h.cacheOp.Cancel()
		h.cacheOp = nil
	}
	if h.token != nil {
		h.loader.transport.Cancel(h.token)
		h.token = nil
	}

	h.loader.running.Remove(h)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cancelled
}

// attachCacheOp stores the cache lookup sub-task on the handle. If the
// handle was cancelled in the meantime, the sub-task is cancelled right away.
func (h *Handle) attachCacheOp(op imgload.CacheOperation) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		op.Cancel()
		return
	}
	h.cacheOp = op
	h.mu.Unlock()
}

func (h *Handle) clearCacheOp() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cacheOp = nil
}

// attachToken stores the download token on the handle, cancelling it right
// away when the handle was cancelled during the fetch handoff.
func (h *Handle) attachToken(token imgload.FetchToken) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		h.loader.transport.Cancel(token)
		return
	}
	h.token = token
	h.mu.Unlock()
}

func (h *Handle) clearToken() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.token = nil
}

// markTerminal flips the handle into its terminal state. It returns false
// when the handle is cancelled or already terminal, in which case no
// delivery must happen.
func (h *Handle) markTerminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled || h.terminal {
		return false
	}
	h.terminal = true
	return true
}
