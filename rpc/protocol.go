// Package rpc is the wire protocol between cmd/shardvaultc and a
// running cmd/shardvaultd: a Unix domain socket carrying one
// newline-delimited JSON header per request/response, with raw bytes
// immediately following the header for the two operations that move
// file payloads (upload, download). httprouter is HTTP-specific and
// this coordinator has no HTTP surface, and uplomux is a much heavier
// full wire-protocol stack meant for multiplexed peer connections, not
// a handful of local control messages, so this is hand-rolled on top
// of net and encoding/json instead, the same two stdlib packages
// RPC-adjacent framing elsewhere in this stack builds on.
package rpc

import (
	"github.com/shardvault/shardvault/control"
	"github.com/shardvault/shardvault/modules"
)

// Op identifies which operation a Request carries.
type Op string

const (
	OpUpload       Op = "upload"
	OpDownload     Op = "download"
	OpMarkOffline  Op = "mark_offline"
	OpMarkOnline   Op = "mark_online"
	OpTriggerSweep Op = "trigger_sweep"
	OpTaskStatus   Op = "task_status"
	OpListBackends Op = "list_backends"
)

// SweepKind selects which sweep OpTriggerSweep runs.
type SweepKind string

const (
	SweepHealth    SweepKind = "health"
	SweepMetrics   SweepKind = "metrics"
	SweepReconcile SweepKind = "reconcile"
)

// Request is the single JSON line that opens every call. Size is the
// number of raw bytes the client writes immediately after this line;
// it is only meaningful for OpUpload.
type Request struct {
	Op        Op        `json:"op"`
	Owner     string    `json:"owner,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
	Kind      SweepKind `json:"kind,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

// Response is the single JSON line that opens every reply. A
// successful OpDownload reply declares Size and is followed
// immediately by exactly that many raw bytes. The server resolves the
// whole download before sending the header: buffering the whole file
// server-side avoids the awkward problem of
// signalling a mid-stream failure after a success header was already
// sent.
type Response struct {
	OK       bool               `json:"ok"`
	Error    string             `json:"error,omitempty"`
	Handle   string             `json:"handle,omitempty"`
	Size     int64              `json:"size,omitempty"`
	Task     *control.Task      `json:"task,omitempty"`
	File     *modules.File      `json:"file,omitempty"`
	Backends []modules.Backend  `json:"backends,omitempty"`
}
