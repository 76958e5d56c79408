/*
Runs the testbed sketch on the engine package.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/sketchvk/engine"
	"github.com/spaghettifunk/sketchvk/engine/core"
	"github.com/spaghettifunk/sketchvk/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "TOML configuration file")
	assetsDir := flag.String("assets", "assets", "asset directory")
	flag.Parse()

	cfg := engine.DefaultApplicationConfig()
	cfg.ConfigPath = *configPath
	cfg.AssetsDir = *assetsDir

	tb := testbed.NewTestGame(cfg)

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("creating the engine: %s", err.Error())
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("initializing the engine: %s", err.Error())
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// the loop owns the window thread, so a signal only asks it to stop
	go func() {
		<-sigCh
		e.Stop()
	}()

	runErr := e.Run()
	if err := e.Shutdown(); err != nil {
		core.LogError("shutting down: %s", err.Error())
	}
	if runErr != nil {
		core.LogFatal("running: %s", runErr.Error())
	}
}
