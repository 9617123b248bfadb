package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/shardvault/shardvault/coordinator"
	"github.com/shardvault/shardvault/persist"
)

// Server answers rpc requests against one running coordinator.Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	log   *persist.Logger
}

// NewServer builds a Server over an already-started Coordinator.
func NewServer(coord *coordinator.Coordinator, log *persist.Logger) *Server {
	return &Server{coord: coord, log: log}
}

// Serve accepts connections on l until it returns an error (including
// the listener being closed, which callers treat as a clean shutdown).
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		writeResponse(conn, Response{OK: false, Error: "malformed request: " + err.Error()})
		return
	}

	ctx := context.Background()
	if req.Op == OpDownload {
		s.handleDownload(ctx, conn, req)
		return
	}
	resp := s.dispatch(ctx, r, req)
	writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, r *bufio.Reader, req Request) Response {
	switch req.Op {
	case OpUpload:
		return s.handleUpload(ctx, r, req)
	case OpMarkOffline:
		if err := s.coord.Control.MarkOffline(ctx, req.BackendID); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case OpMarkOnline:
		if err := s.coord.Control.MarkOnline(ctx, req.BackendID); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}
	case OpTriggerSweep:
		return s.handleTriggerSweep(req)
	case OpTaskStatus:
		task, ok := s.coord.Control.TaskStatus(req.Handle)
		if !ok {
			return Response{OK: false, Error: "unknown task handle"}
		}
		return Response{OK: true, Task: &task}
	case OpListBackends:
		backends, err := s.coord.Store.ListBackends(ctx)
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Backends: backends}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) handleUpload(ctx context.Context, r *bufio.Reader, req Request) Response {
	payload := make([]byte, req.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errResponse(fmt.Errorf("reading upload payload: %w", err))
	}
	file, err := s.coord.Upload.Upload(ctx, req.Owner, req.FileName, payload)
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, File: &file}
}

// handleDownload writes its own response header directly (success
// carries a Size field the generic dispatch path never needs), then
// the raw file bytes. It never returns a Response for handleConn to
// write a second time.
func (s *Server) handleDownload(ctx context.Context, conn net.Conn, req Request) {
	file, err := s.coord.Store.GetFile(ctx, req.FileID)
	if err != nil {
		writeResponse(conn, errResponse(err))
		return
	}

	var buf bytes.Buffer
	if err := s.coord.Download.Download(ctx, req.FileID, &buf); err != nil {
		writeResponse(conn, errResponse(err))
		return
	}

	writeResponse(conn, Response{OK: true, Size: int64(buf.Len()), File: &file})
	if _, err := conn.Write(buf.Bytes()); err != nil {
		s.log.Printf("rpc: writing download payload for %s: %v\n", req.FileID, err)
	}
}

func (s *Server) handleTriggerSweep(req Request) Response {
	var handle string
	switch req.Kind {
	case SweepHealth:
		handle = s.coord.Control.TriggerHealthSweep()
	case SweepMetrics:
		handle = s.coord.Control.TriggerMetricsSweep()
	case SweepReconcile:
		handle = s.coord.Control.TriggerReconciliation(req.DryRun)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown sweep kind %q", req.Kind)}
	}
	return Response{OK: true, Handle: handle}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	w.Write(data)
}
