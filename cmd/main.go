package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/brettbedarf/stackfs"
	"github.com/brettbedarf/stackfs/config"
	"github.com/brettbedarf/stackfs/internal/util"
	"golang.org/x/sys/unix"
)

func main() {
	// Parse command line arguments
	var (
		configPath string
		source     string
		verbose    int
		umount     bool
		debug      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML or JSON config file")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&source, "source", "", "Host directory exposed at the mount root. Default is / (identical host paths).")
	flag.StringVar(&source, "s", "", "--source (shorthand)")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", 0, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 0, "--verbose (shorthand)")
	flag.BoolVar(&debug, "debug", false, "Log every FUSE request and reply")
	flag.BoolVar(&debug, "d", false, "--debug (shorthand)")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	var cfgErr error
	if configPath != "" {
		if override, err := config.LoadConfigOverrideFile(configPath); err != nil {
			cfgErr = err
		} else {
			cfg.Merge(override)
		}
	}
	// flags win over the config file
	cli := &config.ConfigOverride{}
	if verbose != 0 {
		cli.LogLvl = &verbose
	}
	if source != "" {
		cli.Source = &source
	}
	if debug {
		cli.Debug = &debug
	}
	cfg.Merge(cli)

	// Initialize logger
	util.InitializeLogger(cfg.LogLvl)
	logger := util.GetLogger("main")

	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Str("config", configPath).Msg("Failed to load config file")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	mnt := flag.Arg(0)
	logger.Info().Str("config", configPath).Str("source", cfg.Source).Str("mnt", mnt).Msg("StackFS server initializing")
	// Check if mount point is provided
	if mnt == "" {
		logger.Fatal().Msg("Mount point not specified; it must be passed as the argument")
	}
	// Try unmount if requested
	if umount { // send cli command
		cmd := exec.Command("fusermount", "-u", mnt)
		// we ignore error here if not already mounted
		cmd.Run() // nolint:errcheck
	}

	// Set once, before any request is dispatched; every host call inherits it
	prev := unix.Umask(cfg.Umask)
	logger.Debug().Str("umask", fmt.Sprintf("%#o", cfg.Umask)).Str("previous", fmt.Sprintf("%#o", prev)).Msg("Process umask set")

	fs := stackfs.New(cfg)
	if err := fs.Serve(mnt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to mount filesystem")
	}
	logger.Info().Str("mountpoint", mnt).Str("mountID", fs.MountID()).Msg("Filesystem mounted successfully")

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// an external fusermount -u also ends the session
	unmounted := make(chan struct{})
	go func() {
		fs.Wait()
		close(unmounted)
	}()

	select {
	case sig := <-signalChan:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")
	case <-unmounted:
		logger.Info().Msg("Filesystem unmounted externally")
		return
	}

	// Unmount the filesystem
	if err := fs.Unmount(); err != nil {
		logger.Error().Err(err).Msg("Failed to unmount filesystem")
	} else {
		logger.Info().Msg("Filesystem unmounted successfully")
	}
}
