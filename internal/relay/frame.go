// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay carries requests, subscriptions and framed uploads over
// a single bidirectional WebSocket connection, wrapped in an
// authenticated, encrypted, optionally compressed binary envelope.
package relay

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Binary frame formats: the first byte of every binary frame.
const (
	FormatJSON           byte = 0x01
	FormatBinaryUpload   byte = 0x02
	FormatCompressedJSON byte = 0x03
)

var (
	// ErrUnknownFormat is returned for an unrecognized format byte.
	ErrUnknownFormat = errors.New("unknown frame format")
	// ErrMalformedFrame is returned for a frame too short to carry its
	// header.
	ErrMalformedFrame = errors.New("malformed frame")
)

// EncodeFrame builds a binary frame: [format][payload].
func EncodeFrame(format byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = format
	copy(out[1:], payload)
	return out
}

// DecodeFrame splits a binary frame into format byte and payload.
func DecodeFrame(data []byte) (byte, []byte, error) {
	if len(data) < 1 {
		return 0, nil, ErrMalformedFrame
	}
	format := data[0]
	switch format {
	case FormatJSON, FormatBinaryUpload, FormatCompressedJSON:
		return format, data[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFormat, format)
	}
}

// GzipCompress compresses a payload for a COMPRESSED_JSON frame.
func GzipCompress(payload []byte) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// GzipDecompress expands a COMPRESSED_JSON payload.
func GzipDecompress(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
