// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// ErrClientClosed is returned when operations are attempted on a
// closed client.
var ErrClientClosed = errors.New("wire: client closed")

// Client speaks the framed JSON-RPC protocol over a single
// connection. Calls are serialized; the client is safe for concurrent
// use but requests do not pipeline.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	reqID   atomic.Uint64
	timeout time.Duration
	closed  bool
}

// Option configures client behavior.
type Option func(*clientOptions)

type clientOptions struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
}

// WithDialTimeout sets the connection timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.dialTimeout = d
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.requestTimeout = d
	}
}

// Dial connects to a repository server at the given address.
func Dial(addr string, opts ...Option) (*Client, error) {
	options := clientOptions{
		dialTimeout:    DefaultDialTimeout,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := net.DialTimeout("tcp", addr, options.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("wire: dial: %w", err)
	}
	return &Client{conn: conn, timeout: options.requestTimeout}, nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Call invokes a method and decodes its JSON result into result,
// which may be nil to discard it. A response with a binary tail is
// rejected; use CallStream for those.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	resp, header, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if header.HasBinary && header.BinarySize > 0 {
		// Drain the unexpected tail to keep the stream in sync.
		io.CopyN(io.Discard, c.conn, int64(header.BinarySize))
		c.mu.Unlock()
		return fmt.Errorf("wire: method %s answered with a binary tail", method)
	}
	c.mu.Unlock()

	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("wire: method %s returned no result", method)
	}
	return json.Unmarshal(resp.Result, result)
}

// CallStream invokes a method whose result travels as a binary tail
// and returns a reader over exactly Size bytes. The connection is
// locked until the returned reader is closed.
func (c *Client) CallStream(ctx context.Context, method string, params any) (io.ReadCloser, int64, error) {
	resp, header, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, 0, err
	}
	if resp.Error != nil {
		c.mu.Unlock()
		return nil, 0, resp.Error
	}
	if !header.HasBinary {
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("wire: method %s answered without a binary tail", method)
	}
	// The per-request deadline is cleared so a slow consumer of a
	// large blob does not trip it.
	_ = c.conn.SetDeadline(time.Time{})
	return &streamBody{client: c, remaining: int64(header.BinarySize)}, int64(header.BinarySize), nil
}

// roundTrip sends one request and reads the response envelope. On
// success the connection mutex is still held and the caller must
// release it (after consuming any binary tail).
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, Header, error) {
	reqID := c.reqID.Add(1)
	req := Request{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage(strconv.FormatUint(reqID, 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, Header{}, fmt.Errorf("wire: marshal params: %w", err)
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Header{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, Header{}, ErrClientClosed
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.mu.Unlock()
		return nil, Header{}, fmt.Errorf("wire: set deadline: %w", err)
	}

	if err := WriteFrame(c.conn, payload, false, 0); err != nil {
		c.mu.Unlock()
		return nil, Header{}, fmt.Errorf("wire: write request: %w", err)
	}

	header, err := ReadHeader(c.conn)
	if err != nil {
		c.mu.Unlock()
		return nil, Header{}, err
	}
	body := make([]byte, header.PayloadSize)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		c.mu.Unlock()
		return nil, Header{}, fmt.Errorf("wire: read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		c.mu.Unlock()
		return nil, Header{}, fmt.Errorf("wire: malformed response: %w", err)
	}
	if !bytes.Equal(resp.ID, req.ID) && resp.Error == nil {
		c.mu.Unlock()
		return nil, Header{}, fmt.Errorf("wire: response id %s does not match request id %s", resp.ID, req.ID)
	}
	return &resp, header, nil
}

// streamBody reads a binary tail off the client connection, releasing
// the connection mutex when closed.
type streamBody struct {
	client    *Client
	remaining int64
	done      bool
}

func (b *streamBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.client.conn.Read(p)
	b.remaining -= int64(n)
	return n, err
}

// Close drains any unread tail bytes so the connection stays usable,
// then releases it.
func (b *streamBody) Close() error {
	if b.done {
		return nil
	}
	b.done = true
	var err error
	if b.remaining > 0 {
		_, err = io.CopyN(io.Discard, b.client.conn, b.remaining)
		b.remaining = 0
	}
	b.client.mu.Unlock()
	return err
}
