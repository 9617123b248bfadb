// Command shardvaultc is the thin CLI client for a running
// shardvaultd: every subcommand dials the daemon's control socket,
// sends one request, and prints the result. It holds no state of its
// own and never touches the metadata store or a backend directly.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shardvault/shardvault/build"
	"github.com/shardvault/shardvault/config"
	"github.com/shardvault/shardvault/rpc"
)

const exitCodeGeneral = 1

var dataDirFlag string

// die prints its arguments to stderr and exits.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// client resolves the control socket path the same way the daemon
// does (SHARDVAULT_DATA_DIR / --data-dir / OS default) and returns a
// fresh rpc.Client for it.
func client() *rpc.Client {
	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = config.DataDir()
	}
	return rpc.NewClient(filepath.Join(dataDir, "shardvault.sock"))
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "shardvaultc v" + build.Version,
		Long:  "Command-line client for a running shardvaultd instance.",
	}
	root.PersistentFlags().StringVarP(&dataDirFlag, "data-dir", "d", "", "shardvaultd's data directory (defaults to SHARDVAULT_DATA_DIR or an OS-specific default)")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(*cobra.Command, []string) { fmt.Println("shardvaultc v" + build.Version) },
		},
		uploadCmd,
		downloadCmd,
		markOfflineCmd,
		markOnlineCmd,
		sweepCmd,
		statusCmd,
		listBackendsCmd,
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeGeneral)
	}
}
