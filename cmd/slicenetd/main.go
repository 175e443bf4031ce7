package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/slicenetlabs/slicenetd/build"
)

// Config contains all configurable variables for slicenetd. They are loaded
// from the command line flags by cobra.
type Config struct {
	// APIaddr is the address the HTTP API listens on.
	APIaddr string

	// Dir is the directory holding the daemon's log file.
	Dir string

	// AuthenticateAPI indicates whether the API requires a password.
	AuthenticateAPI bool

	// APIPassword is loaded from the environment when AuthenticateAPI is
	// set.
	APIPassword string

	// MaxDownloadSpeed and MaxUploadSpeed cap the daemon's bandwidth usage
	// in bytes per second. 0 means unlimited.
	MaxDownloadSpeed int64
	MaxUploadSpeed   int64
}

// globalConfig is used by the cobra package to fill out the config variables.
var globalConfig Config

// exit codes
// inspired by sysexits.h
const (
	exitCodeGeneral = 1  // Not in sysexits.h, but is standard practice.
	exitCodeUsage   = 64 // EX_USAGE in sysexits.h
)

// die prints its arguments to stderr, then exits the program with the default
// error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// versionCmd is a cobra command that prints the version of slicenetd.
func versionCmd(*cobra.Command, []string) {
	version := build.Version
	if build.ReleaseTag != "" {
		version += "-" + build.ReleaseTag
	}
	fmt.Println("Slicenet Daemon v" + version)
	if build.GitRevision != "" {
		fmt.Println("Git Revision " + build.GitRevision)
	}
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Slicenet Daemon v" + build.Version,
		Long:  "Slicenet Daemon v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information.",
		Run:   versionCmd,
	})

	// Set api-addr flag and fields of globalConfig.
	root.Flags().StringVarP(&globalConfig.APIaddr, "api-addr", "", "localhost:9536", "which host:port the API server listens on")
	root.Flags().StringVarP(&globalConfig.Dir, "slicenet-directory", "d", ".", "location of the slicenet directory")
	root.Flags().BoolVarP(&globalConfig.AuthenticateAPI, "authenticate-api", "", false, "enable API password protection")
	root.Flags().Int64Var(&globalConfig.MaxDownloadSpeed, "max-download-speed", 0, "max download speed in bytes per second, 0 for unlimited")
	root.Flags().Int64Var(&globalConfig.MaxUploadSpeed, "max-upload-speed", 0, "max upload speed in bytes per second, 0 for unlimited")

	// Parse cmdline flags, overwriting both the default values and the config
	// file values.
	if err := root.Execute(); err != nil {
		// Since no commands return errors (all commands set Command.Run instead of
		// Command.RunE), Command.Execute() should only return an error on an
		// invalid command or flag. Therefore Command.Usage() was called (assuming
		// Command.SilenceUsage is false) and we should exit with exitCodeUsage.
		os.Exit(exitCodeUsage)
	}
}
