// Command shardvaultd is the long-running storage coordinator daemon:
// it owns the metadata store and the backend connections exclusively,
// runs the health monitor and reconciler in the background, and
// answers cmd/shardvaultc requests over a Unix domain control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shardvault/shardvault/build"
)

var globalConfig Config

// exit codes, inspired by sysexits.h.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

// Config holds every cobra-bound flag for shardvaultd.
type Config struct {
	shardvaultd struct {
		ConfigPath string
		DataDir    string
	}
}

// die prints its arguments to stderr and exits with the general error code.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

func versionCmd(*cobra.Command, []string) {
	fmt.Println("shardvaultd v" + build.Version)
}

func main() {
	if build.DEBUG {
		fmt.Println("Running with debugging enabled")
	}

	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "shardvault storage coordinator daemon v" + build.Version,
		Long:  "shardvault storage coordinator daemon v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about shardvaultd",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&globalConfig.shardvaultd.ConfigPath, "config", "c", "shardvault.yaml", "path to the coordinator's YAML config file")
	root.Flags().StringVarP(&globalConfig.shardvaultd.DataDir, "data-dir", "d", "", "override the coordinator's data directory (defaults to SHARDVAULT_DATA_DIR or an OS-specific default)")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}
