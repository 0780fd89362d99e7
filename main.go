package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitrofmep/imgload/cmd"
	"github.com/mitrofmep/imgload/imgload"
	"github.com/mitrofmep/imgload/pkg/rlog"
)

func main() {
	cfg, err := imgload.ParseConfig()
	if err != nil {
		rlog.Errorf("invalid config: %s", err)
		os.Exit(1)
	}

	cfg.BuildInfo.Print()
	cfg.Print()

	rlog.SetLevel(cfg.LogLevel)

	app := cmd.NewApp(cfg)

	var (
		exitCode      int
		startFinished <-chan struct{}
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rlog.Info("shutdown")
		if err := app.Shutdown(ctx); err != nil {
			rlog.Error(err)
		}

		if startFinished != nil {
			<-startFinished
		}

		os.Exit(exitCode)
	}()

	if err := app.Prepare(); err != nil {
		rlog.Error(err)
		exitCode = 1
		return
	}

	termCtx, termCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer termCtxCancel()

	startFinished = app.Start(func() {
		exitCode = 1
		termCtxCancel()
	})

	<-termCtx.Done()
}
