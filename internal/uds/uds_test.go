package uds

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	// Use /tmp directly to avoid macOS Unix socket path length limit (104 bytes)
	dir, err := os.MkdirTemp("/tmp", "conductor-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "t.sock")

	server := NewServer(sockPath, nil)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client
}

func TestFraming_RoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "conductor-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "f.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		if req.Command != CommandPing {
			t.Errorf("expected command %q, got %q", CommandPing, req.Command)
		}
		if req.ProtocolVersion != ProtocolVersion {
			t.Errorf("expected protocol_version %d, got %d", ProtocolVersion, req.ProtocolVersion)
		}

		resp := SuccessResponse(map[string]string{"result": "pong"})
		if err := WriteFrame(conn, resp); err != nil {
			t.Errorf("server WriteFrame: %v", err)
		}
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := NewRequest(CommandPing, nil)
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	if !resp.Success {
		t.Error("expected success response")
	}

	<-done
}

func TestServer_HandlerDispatch(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle(CommandStatus, func(req *Request) *Response {
		return SuccessResponse(map[string]int{"workers": 3})
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand(CommandStatus, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}

	var data map[string]int
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["workers"] != 3 {
		t.Errorf("workers = %d, want 3", data["workers"])
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("bogus", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeUnknownCommand)
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: CommandPing})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeProtocolMismatch)
	}
}

func TestServer_ParamsRoundTrip(t *testing.T) {
	server, client := setupTestServer(t)

	type nudgeParams struct {
		WorkerID string `json:"worker_id"`
	}

	server.Handle(CommandScan, func(req *Request) *Response {
		var p nudgeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if p.WorkerID == "" {
			return ErrorResponse(ErrCodeValidation, "worker_id required")
		}
		return SuccessResponse(p)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand(CommandScan, nudgeParams{WorkerID: "worker1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}

	var echoed nudgeParams
	if err := json.Unmarshal(resp.Data, &echoed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if echoed.WorkerID != "worker1" {
		t.Errorf("worker_id = %q, want worker1", echoed.WorkerID)
	}
}

func TestClient_Running(t *testing.T) {
	server, client := setupTestServer(t)

	if client.Running() {
		t.Error("Running must be false before the server starts")
	}

	server.Handle(CommandPing, func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	if !client.Running() {
		t.Error("Running must be true while the server answers pings")
	}
}
