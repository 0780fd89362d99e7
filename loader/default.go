package loader

import (
	"sync"

	"github.com/mitrofmep/imgload/downloader"
	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/cache"
)

var (
	defaultLoader     *Loader
	defaultLoaderOnce sync.Once
)

// Default returns the process-wide loader: a memory-only cache engine in
// front of a downloader with default settings. Applications that want a
// persistent cache or custom hooks should use [New].
func Default() *Loader {
	defaultLoaderOnce.Do(func() {
		defaultLoader = New(
			cache.NewEngine(cache.NewNoopStore(), 100<<20),
			downloader.New(downloader.Config{}),
			imgload.Hooks{},
		)
	})
	return defaultLoader
}
