// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// startServer serves the given handler table on a loopback listener
// and returns its address.
func startServer(t *testing.T, handlers func() map[string]Handler) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &Server{
		NewHandlers: handlers,
		Log:         testLogger(),
	}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return listener.Addr().String()
}

func echoHandlers() map[string]Handler {
	return map[string]Handler{
		"echo": func(params json.RawMessage) (any, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return p.Text, nil
		},
		"fail": func(params json.RawMessage) (any, error) {
			return nil, errors.New("deliberate failure")
		},
		"stream": func(params json.RawMessage) (any, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return &StreamResult{
				Size:   int64(len(p.Text)),
				Reader: io.NopCloser(strings.NewReader(p.Text)),
			}, nil
		},
	}
}

func TestClientCall(t *testing.T) {
	addr := startServer(t, echoHandlers)
	client, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var result string
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "hello"}, &result); err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %q", result)
	}

	// Sequential requests reuse the connection.
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "again"}, &result); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result != "again" {
		t.Errorf("result = %q", result)
	}
}

func TestClientCallError(t *testing.T) {
	addr := startServer(t, echoHandlers)
	client, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "fail", map[string]string{}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("call = %v, want RPCError", err)
	}
	if rpcErr.Code != CodeProcedureException {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeProcedureException)
	}
	if !strings.Contains(rpcErr.Message, "deliberate failure") {
		t.Errorf("message = %q", rpcErr.Message)
	}

	// The connection survives procedure errors.
	var result string
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "alive"}, &result); err != nil {
		t.Fatalf("call after error: %v", err)
	}
}

func TestMethodNotFound(t *testing.T) {
	addr := startServer(t, echoHandlers)
	client, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "nope", map[string]string{}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("call = %v, want RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestStreamedResponse(t *testing.T) {
	addr := startServer(t, echoHandlers)
	client, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	text := strings.Repeat("binary tail content ", 4096)
	rc, size, err := client.CallStream(context.Background(), "stream", map[string]string{"text": text})
	if err != nil {
		t.Fatalf("call stream: %v", err)
	}
	if size != int64(len(text)) {
		t.Errorf("declared size = %d, want %d", size, len(text))
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if err := rc.Close(); err != nil {
		t.Fatal(err)
	}
	if string(data) != text {
		t.Errorf("streamed %d bytes, mismatch", len(data))
	}

	// The connection is reusable after the tail is drained.
	var result string
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "after"}, &result); err != nil {
		t.Fatalf("call after stream: %v", err)
	}
}

func TestStreamedResponseEarlyClose(t *testing.T) {
	addr := startServer(t, echoHandlers)
	client, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	text := strings.Repeat("x", 100000)
	rc, _, err := client.CallStream(context.Background(), "stream", map[string]string{"text": text})
	if err != nil {
		t.Fatal(err)
	}
	// Close before reading: the client must drain the tail so the
	// next request stays framed.
	if err := rc.Close(); err != nil {
		t.Fatal(err)
	}

	var result string
	if err := client.Call(context.Background(), "echo", map[string]string{"text": "ok"}, &result); err != nil {
		t.Fatalf("call after early close: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q", result)
	}
}

func TestServerRejectsBinaryUpload(t *testing.T) {
	addr := startServer(t, echoHandlers)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"x"}}`)
	header := PackHeader(Header{PayloadSize: uint32(len(payload)), HasBinary: true, BinarySize: 10})
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, err := ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("response = %+v, want invalid request error", resp)
	}
}

func TestServerRejectsNotification(t *testing.T) {
	addr := startServer(t, echoHandlers)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte(`{"jsonrpc":"2.0","method":"echo","params":{"text":"x"}}`)
	if err := WriteFrame(conn, payload, false, 0); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, err := ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("response = %+v, want invalid request error", resp)
	}
}

func TestServerParseError(t *testing.T) {
	addr := startServer(t, echoHandlers)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte("{not json"), false, 0); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	h, err := ReadHeader(conn)
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("response = %+v, want parse error", resp)
	}
	if !bytes.Equal(resp.ID, []byte("null")) {
		t.Errorf("id = %s, want null", resp.ID)
	}

	// The connection is terminated after a protocol error.
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("connection stayed open after parse error")
	}
}

func TestErrorClassifier(t *testing.T) {
	sentinel := errors.New("special")
	handlers := func() map[string]Handler {
		return map[string]Handler{
			"special": func(params json.RawMessage) (any, error) {
				return nil, sentinel
			},
		}
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &Server{
		NewHandlers: handlers,
		ClassifyError: func(err error) int {
			if errors.Is(err, sentinel) {
				return CodeInvalidParamValues
			}
			return 0
		},
		Log: testLogger(),
	}
	go server.Serve(listener)
	defer server.Close()

	client, err := Dial(listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "special", map[string]string{}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("call = %v", err)
	}
	if rpcErr.Code != CodeInvalidParamValues {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeInvalidParamValues)
	}
}
