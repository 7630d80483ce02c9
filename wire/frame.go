// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed transport that exposes a
// repository over a stream socket.
//
// Each direction carries framed messages: a fixed 17-byte big-endian
// header, a JSON-RPC 2.0 text payload, and an optional raw binary
// tail. The tail carries streamed blob content so the JSON payload
// never has to base64-encode large blobs.
//
// # Frame layout
//
//	offset  type  field
//	0       u32   magic (0x12345678)
//	4       u32   version (1)
//	8       u32   payload_size
//	12      u8    has_binary_payload (0 or 1)
//	13      u32   binary_payload_size
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	Magic      uint32 = 0x12345678
	Version    uint32 = 1
	HeaderSize        = 17

	// StreamChunkSize bounds individual writes when draining a
	// binary tail.
	StreamChunkSize = 16 * 1024
)

// Common errors
var (
	ErrBadMagic   = errors.New("wire: bad frame magic")
	ErrBadVersion = errors.New("wire: unsupported frame version")
)

// Header describes one frame. BinarySize is meaningful only when
// HasBinary is set.
type Header struct {
	PayloadSize uint32
	HasBinary   bool
	BinarySize  uint32
}

// PackHeader encodes a header into its 17-byte wire form.
func PackHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint32(buf[8:12], h.PayloadSize)
	if h.HasBinary {
		buf[12] = 1
		binary.BigEndian.PutUint32(buf[13:17], h.BinarySize)
	}
	return buf
}

// UnpackHeader decodes and validates a 17-byte header.
func UnpackHeader(buf [HeaderSize]byte) (Header, error) {
	if got := binary.BigEndian.Uint32(buf[0:4]); got != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, got)
	}
	h := Header{
		PayloadSize: binary.BigEndian.Uint32(buf[8:12]),
		HasBinary:   buf[12] != 0,
	}
	if h.HasBinary {
		h.BinarySize = binary.BigEndian.Uint32(buf[13:17])
	}
	return h, nil
}

// ReadHeader reads exactly one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("wire: read header: %w", err)
	}
	return UnpackHeader(buf)
}

// WriteFrame writes a header for payload (and a declared binary tail
// of binarySize bytes when hasBinary is set) followed by the payload
// itself. The caller drains the tail separately.
func WriteFrame(w io.Writer, payload []byte, hasBinary bool, binarySize uint32) error {
	header := PackHeader(Header{
		PayloadSize: uint32(len(payload)),
		HasBinary:   hasBinary,
		BinarySize:  binarySize,
	})
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// CopyStream drains exactly n bytes from src to dst in chunks of at
// most StreamChunkSize.
func CopyStream(dst io.Writer, src io.Reader, n int64) error {
	buf := make([]byte, StreamChunkSize)
	var copied int64
	for copied < n {
		want := n - copied
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		read, err := src.Read(buf[:want])
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return werr
			}
			copied += int64(read)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if copied != n {
		return fmt.Errorf("wire: binary tail yielded %d bytes, declared %d", copied, n)
	}
	return nil
}
