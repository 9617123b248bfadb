package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/shardvault/shardvault/control"
	"github.com/shardvault/shardvault/modules"
)

// Client dials a running Server's Unix socket fresh for every call;
// it holds no persistent connection, so each command invocation gets
// its own short-lived client.
type Client struct {
	sockPath string
}

// NewClient returns a Client that dials sockPath for every call.
func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath}
}

func (c *Client) call(req Request) (net.Conn, *Response, error) {
	conn, err := net.Dial("unix", c.sockPath)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing shardvaultd at %s: %w", c.sockPath, err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, nil, err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		conn.Close()
		return nil, nil, err
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("malformed response: %w", err)
	}
	if !resp.OK {
		conn.Close()
		return nil, nil, fmt.Errorf("%s", resp.Error)
	}
	return conn, &resp, nil
}

// Upload sends name/payload to the daemon and returns the committed File.
func (c *Client) Upload(owner, name string, payload []byte) (modules.File, error) {
	conn, err := net.Dial("unix", c.sockPath)
	if err != nil {
		return modules.File{}, fmt.Errorf("dialing shardvaultd at %s: %w", c.sockPath, err)
	}
	defer conn.Close()

	req := Request{Op: OpUpload, Owner: owner, FileName: name, Size: int64(len(payload))}
	data, err := json.Marshal(req)
	if err != nil {
		return modules.File{}, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return modules.File{}, err
	}
	if _, err := conn.Write(payload); err != nil {
		return modules.File{}, err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return modules.File{}, err
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return modules.File{}, fmt.Errorf("malformed response: %w", err)
	}
	if !resp.OK {
		return modules.File{}, fmt.Errorf("%s", resp.Error)
	}
	if resp.File == nil {
		return modules.File{}, fmt.Errorf("upload response missing file")
	}
	return *resp.File, nil
}

// Download fetches fileID's bytes into w.
func (c *Client) Download(fileID string, w io.Writer) error {
	conn, err := net.Dial("unix", c.sockPath)
	if err != nil {
		return fmt.Errorf("dialing shardvaultd at %s: %w", c.sockPath, err)
	}
	defer conn.Close()

	req := Request{Op: OpDownload, FileID: fileID}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	_, err = io.CopyN(w, r, resp.Size)
	return err
}

// MarkOffline asks the daemon to mark backendID offline.
func (c *Client) MarkOffline(backendID string) error {
	conn, _, err := c.call(Request{Op: OpMarkOffline, BackendID: backendID})
	if conn != nil {
		conn.Close()
	}
	return err
}

// MarkOnline asks the daemon to probe and mark backendID online.
func (c *Client) MarkOnline(backendID string) error {
	conn, _, err := c.call(Request{Op: OpMarkOnline, BackendID: backendID})
	if conn != nil {
		conn.Close()
	}
	return err
}

// TriggerSweep starts kind and returns its pollable handle.
func (c *Client) TriggerSweep(kind SweepKind, dryRun bool) (string, error) {
	conn, resp, err := c.call(Request{Op: OpTriggerSweep, Kind: kind, DryRun: dryRun})
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

// TaskStatus polls handle's current state.
func (c *Client) TaskStatus(handle string) (control.Task, error) {
	conn, resp, err := c.call(Request{Op: OpTaskStatus, Handle: handle})
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		return control.Task{}, err
	}
	return *resp.Task, nil
}

// ListBackends returns every registered Backend.
func (c *Client) ListBackends() ([]modules.Backend, error) {
	conn, resp, err := c.call(Request{Op: OpListBackends})
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		return nil, err
	}
	return resp.Backends, nil
}
