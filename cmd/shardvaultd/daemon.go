package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uplo-tech/errors"

	"github.com/shardvault/shardvault/build"
	"github.com/shardvault/shardvault/config"
	"github.com/shardvault/shardvault/coordinator"
	"github.com/shardvault/shardvault/persist"
	"github.com/shardvault/shardvault/rpc"
)

// installKillSignalHandler installs a signal handler for os.Interrupt
// and SIGTERM and returns a channel that is sent to when one is caught.
func installKillSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}

// startDaemon loads the config, assembles the coordinator, starts its
// background loops, and serves the control socket until a kill signal
// is caught or the listener fails.
func startDaemon(cliCfg Config) (err error) {
	loadStart := time.Now()

	if cliCfg.shardvaultd.DataDir != "" {
		os.Setenv("SHARDVAULT_DATA_DIR", cliCfg.shardvaultd.DataDir)
	}

	cfg, err := config.Load(cliCfg.shardvaultd.ConfigPath)
	if err != nil {
		return errors.AddContext(err, "loading config")
	}

	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		return errors.AddContext(err, "creating data directory")
	}

	log, err := persist.NewFileLogger(cfg.LogPath())
	if err != nil {
		return errors.AddContext(err, "opening log file")
	}

	fmt.Println("shardvaultd v" + build.Version)
	fmt.Println("Loading...")

	coord, err := coordinator.New(cfg, log)
	if err != nil {
		return errors.AddContext(err, "assembling coordinator")
	}
	defer func() {
		err = errors.Compose(err, coord.Close())
	}()

	ctx := context.Background()
	if bucketErr := coord.EnsureBuckets(ctx, cfg.Bucket); bucketErr != nil {
		log.Printf("daemon: bucket provisioning incomplete: %v\n", bucketErr)
	}

	if err := coord.Start(); err != nil {
		return errors.AddContext(err, "starting background loops")
	}

	sockPath := filepath.Join(cfg.DataDir(), "shardvault.sock")
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.AddContext(err, "listening on control socket")
	}
	defer listener.Close()

	srv := rpc.NewServer(coord, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	sigChan := installKillSignalHandler()

	fmt.Printf("Finished full setup in %s\n", time.Since(loadStart).Truncate(time.Second))

	select {
	case listenErr := <-serveErr:
		return errors.AddContext(listenErr, "control socket")
	case <-sigChan:
		fmt.Println("\rCaught stop signal, quitting...")
	}
	return nil
}

// startDaemonCmd is the passthrough cobra handler for startDaemon.
func startDaemonCmd(_ *cobra.Command, _ []string) {
	if err := startDaemon(globalConfig); err != nil {
		die(err)
	}
	fmt.Println("Shutdown complete.")
}
