package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shardvault/shardvault/rpc"
)

var (
	uploadOwner    string
	downloadOutput string
	sweepKind      string
	sweepDryRun    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload a file to the coordinator",
	Args:  cobra.ExactArgs(1),
	Run:   wrap(uploadcmd),
}

var downloadCmd = &cobra.Command{
	Use:   "download [file-id]",
	Short: "Download a file by its ID",
	Args:  cobra.ExactArgs(1),
	Run:   wrap(downloadcmd),
}

var markOfflineCmd = &cobra.Command{
	Use:   "mark-offline [backend-id]",
	Short: "Manually mark a backend offline",
	Args:  cobra.ExactArgs(1),
	Run:   wrap(markOfflinecmd),
}

var markOnlineCmd = &cobra.Command{
	Use:   "mark-online [backend-id]",
	Short: "Probe a backend and mark it online on success",
	Args:  cobra.ExactArgs(1),
	Run:   wrap(markOnlinecmd),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Trigger a health, metrics, or reconciliation sweep",
	Run:   wrap(sweepcmd),
}

var statusCmd = &cobra.Command{
	Use:   "status [handle]",
	Short: "Query the status of a previously-triggered task",
	Args:  cobra.ExactArgs(1),
	Run:   wrap(statuscmd),
}

var listBackendsCmd = &cobra.Command{
	Use:   "list-backends",
	Short: "List every registered backend and its health",
	Run:   wrap(listBackendscmd),
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadOwner, "owner", "o", "cli", "owner recorded against the uploaded file")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "write the downloaded file here instead of stdout")
	sweepCmd.Flags().StringVarP(&sweepKind, "kind", "k", "", "sweep to run: health, metrics, or reconcile (required)")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "for kind=reconcile, compute the plan without moving anything")
}

// wrap adapts a handler that takes only the positional args to
// cobra's Run signature.
func wrap(fn func(args []string)) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) { fn(args) }
}

func uploadcmd(args []string) {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		die("could not read file:", err)
	}
	file, err := client().Upload(uploadOwner, filepath.Base(path), data)
	if err != nil {
		die("upload failed:", err)
	}
	fmt.Printf("uploaded %s as file %s (%d bytes)\n", path, file.ID, file.Size)
}

func downloadcmd(args []string) {
	fileID := args[0]
	out := os.Stdout
	if downloadOutput != "" {
		f, err := os.Create(downloadOutput)
		if err != nil {
			die("could not create output file:", err)
		}
		defer f.Close()
		out = f
	}
	if err := client().Download(fileID, out); err != nil {
		die("download failed:", err)
	}
}

func markOfflinecmd(args []string) {
	if err := client().MarkOffline(args[0]); err != nil {
		die("mark-offline failed:", err)
	}
	fmt.Println("backend", args[0], "marked offline")
}

func markOnlinecmd(args []string) {
	if err := client().MarkOnline(args[0]); err != nil {
		die("mark-online failed:", err)
	}
	fmt.Println("backend", args[0], "marked online")
}

func sweepcmd(_ []string) {
	kind := rpc.SweepKind(sweepKind)
	switch kind {
	case rpc.SweepHealth, rpc.SweepMetrics, rpc.SweepReconcile:
	default:
		die("--kind must be one of health, metrics, reconcile")
	}
	handle, err := client().TriggerSweep(kind, sweepDryRun)
	if err != nil {
		die("trigger-sweep failed:", err)
	}
	fmt.Println("triggered, handle:", handle)
}

func statuscmd(args []string) {
	task, err := client().TaskStatus(args[0])
	if err != nil {
		die("status failed:", err)
	}
	fmt.Printf("kind: %s\nstate: %s\nstarted: %s\n", task.Kind, task.State, task.StartedAt)
	if task.Err != "" {
		fmt.Println("error:", task.Err)
	}
}

func listBackendscmd(_ []string) {
	backends, err := client().ListBackends()
	if err != nil {
		die("list-backends failed:", err)
	}
	for _, b := range backends {
		fmt.Printf("%s\t%s\t%s\tload=%d\tused=%d/%d\n", b.ID, b.Endpoint, b.Status, b.Load, b.StorageUsed, b.MaxCapacity)
	}
}
