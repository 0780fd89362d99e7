// Package cmd wires all components of the imgload service together.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/mitrofmep/imgload/downloader"
	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/loader"
	"github.com/mitrofmep/imgload/pkg/cache"
	"github.com/mitrofmep/imgload/pkg/rlog"
	"github.com/mitrofmep/imgload/web"
)

type App struct {
	cfg imgload.Config

	cacheEngine *cache.Engine
	loader      *loader.Loader
	server      *web.Server
}

func NewApp(cfg imgload.Config) *App {
	return &App{
		cfg: cfg,
	}
}

func (a *App) Prepare() error {
	// Cache Engine
	var store cache.Store = cache.NewNoopStore()
	if a.cfg.DiskCache {
		dir := filepath.Join(a.cfg.Dir, "images")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("couldn't create cache dir %q: %w", dir, err)
		}

		var err error
		store, err = cache.NewBadgerStore(dir, a.cfg.DiskCacheMaxAge)
		if err != nil {
			return fmt.Errorf("couldn't prepare persistent cache: %w", err)
		}
	} else {
		rlog.Debug("persistent cache is disabled")
	}
	a.cacheEngine = cache.NewEngine(store, a.cfg.MemoryCacheSize.Bytes())

	// Loader
	a.loader = loader.New(
		a.cacheEngine,
		downloader.New(downloader.Config{
			Timeout:           a.cfg.DownloadTimeout,
			WorkersCount:      a.cfg.DownloadWorkersCount,
			MaxImageDimension: a.cfg.MaxImageDimension,
		}),
		imgload.Hooks{},
	)

	// Web Server
	a.server = web.NewServer(a.cfg, a.loader)

	return nil
}

func (a *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		if err := a.server.Start(); err != nil {
			rlog.Errorf("web server error: %s", err)
			onError()
		}
		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if
// Prepare has failed.
func (a *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", a.server},
		{"loader", a.loader},
		{"cache engine", a.cacheEngine},
	} {
		if err := safeShutdown(ctx, v.s); err != nil {
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
