package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagerelay/internal/app"
	logx "pagerelay/pkg/logx"
)

var version = "dev"

func main() {
	var (
		cfgPath     string
		once        bool
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.BoolVar(&once, "once", false, "relay once immediately and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// The app's own log service is closed by Stop; failures around it go to the console.
	console := logx.NewConsole(logx.Stderr(), "info")
	fatal := func(msg string, err error) {
		console.Error(msg, logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, version)
	if err != nil {
		fatal("startup failed", err)
	}

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if once {
		_, err := a.RunOnce(ctx)
		stop(app.StopOnceDone)
		if err != nil {
			fatal("run failed", err)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		fatal("start failed", err)
	}

	<-a.Done()
	reason := app.StopSignal
	err = a.Err()
	if ctx.Err() == nil && err != nil && !errors.Is(err, context.Canceled) {
		reason = app.StopFatalError
	}
	stop(reason)
	if reason == app.StopFatalError {
		fatal("stopped on error", err)
	}
}
