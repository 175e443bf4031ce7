package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/ratelimit"

	"gitlab.com/slicenetlabs/slicenetd/build"
	"gitlab.com/slicenetlabs/slicenetd/modules"
	"gitlab.com/slicenetlabs/slicenetd/modules/fetcher"
	"gitlab.com/slicenetlabs/slicenetd/node/api/server"
	"gitlab.com/slicenetlabs/slicenetd/persist"
)

// logFile is the name of the daemon's log file inside the slicenet
// directory.
const logFile = "slicenetd.log"

// rateLimitPacketSize is the packet size the shared rate limiter schedules
// bandwidth in.
const rateLimitPacketSize = 4 * 4096

// processNetAddr adds a ':' to a bare integer, so that it is a proper port
// number.
func processNetAddr(addr string) string {
	_, err := strconv.Atoi(addr)
	if err == nil {
		return ":" + addr
	}
	return addr
}

// processConfig checks the configuration values and performs cleanup on
// incorrect-but-allowed values.
func processConfig(config Config) (Config, error) {
	config.APIaddr = processNetAddr(config.APIaddr)
	if config.MaxDownloadSpeed < 0 || config.MaxUploadSpeed < 0 {
		return Config{}, errors.New("bandwidth limits cannot be negative")
	}
	return config, nil
}

// loadAPIPassword loads the API password from the environment according to
// the provided config.
func loadAPIPassword(config Config) (Config, error) {
	if !config.AuthenticateAPI {
		return config, nil
	}
	config.APIPassword = os.Getenv("SLICENETD_API_PASSWORD")
	if config.APIPassword == "" {
		return Config{}, errors.New("--authenticate-api requires SLICENETD_API_PASSWORD to be set")
	}
	return config, nil
}

// printVersionAndRevision prints the daemon's version and revision numbers.
func printVersionAndRevision() {
	fmt.Println("Slicenet Daemon v" + build.Version)
	if build.GitRevision == "" {
		fmt.Println("WARN: compiled without build commit or version. To compile correctly, please use the makefile")
	} else {
		fmt.Println("Git Revision " + build.GitRevision)
	}
}

// installKillSignalHandler installs a signal handler for os.Interrupt, os.Kill
// and syscall.SIGTERM and returns a channel that is closed when one of them is
// caught.
func installKillSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, os.Kill, syscall.SIGTERM)
	return sigChan
}

// startDaemon uses the config parameters to initialize the daemon's
// subsystems and start slicenetd.
func startDaemon(config Config) error {
	loadStart := time.Now()

	// Load the API password.
	config, err := loadAPIPassword(config)
	if err != nil {
		return errors.AddContext(err, "failed to get API password")
	}

	// Print the slicenetd Version and GitRevision.
	printVersionAndRevision()

	// Create the logger.
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return errors.AddContext(err, "failed to create slicenet directory")
	}
	logger, err := persist.NewFileLogger(filepath.Join(config.Dir, logFile))
	if err != nil {
		return errors.AddContext(err, "failed to create logger")
	}

	// The rate limit is shared between all peer connections and adjustable
	// at runtime through the API.
	rl := ratelimit.NewRateLimit(config.MaxDownloadSpeed, config.MaxUploadSpeed, rateLimitPacketSize)
	dialerCancel := make(chan struct{})
	defer close(dialerCancel)
	dialer := modules.NewTCPDialer(rl, dialerCancel)

	f, err := fetcher.New(dialer, rl, logger.Logger)
	if err != nil {
		return errors.AddContext(err, "failed to create fetcher")
	}

	fmt.Println("Loading...")
	srv, err := server.New(config.APIaddr, config.APIPassword, f, logger.Logger)
	if err != nil {
		return errors.Compose(errors.AddContext(err, "failed to create API server"), f.Close())
	}

	// Listen for kill signals.
	sigChan := installKillSignalHandler()

	startupTime := time.Since(loadStart)
	fmt.Printf("Finished full setup in %s\n", startupTime.Truncate(time.Millisecond).String())
	logger.Printf("STARTUP: API server listening on %v", srv.APIAddr())

	// Wait for Serve to return or for a kill signal to be caught.
	err = func() error {
		select {
		case err := <-srv.ServeErr():
			return err
		case <-sigChan:
			fmt.Println("\rCaught stop signal, quitting...")
			return srv.Close()
		}
	}()
	if err != nil {
		return errors.Compose(err, logger.Close())
	}
	return logger.Close()
}

// startDaemonCmd is a passthrough function for startDaemon.
func startDaemonCmd(_ *cobra.Command, _ []string) {
	// Process the config variables after they are parsed by cobra.
	config, err := processConfig(globalConfig)
	if err != nil {
		die(errors.AddContext(err, "failed to parse input parameter"))
	}

	// Start slicenetd. startDaemon will only return when it is shutting down.
	err = startDaemon(config)
	if err != nil {
		die(err)
	}

	// Daemon seems to have closed cleanly. Print a 'closed' message.
	fmt.Println("Shutdown complete.")
}
