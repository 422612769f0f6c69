// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/absmach/idtranslator/pkg/handler"
)

// DefaultMaxSize bounds the size of a single envelope.
const DefaultMaxSize = 256 * 1024

// Reader reads newline separated envelopes.
type Reader struct {
	s *bufio.Scanner
}

// NewReader creates a Reader. A maxSize of zero uses DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, min(4096, maxSize)), maxSize)

	return &Reader{s: s}
}

// Next returns the next envelope, skipping blank lines. It returns io.EOF at the end of input.
// Decoding errors wrap ErrMalformedEnvelope and leave the Reader usable.
func (r *Reader) Next() (Envelope, error) {
	for r.s.Scan() {
		line := bytes.TrimSpace(r.s.Bytes())
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.s.Err(); err != nil {
		return Envelope{}, err
	}

	return Envelope{}, io.EOF
}

// Writer writes envelopes to a stream. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ handler.Responder = (*Writer)(nil)

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes e as one line.
func (w *Writer) Write(e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(b)

	return err
}

// Respond implements handler.Responder.
func (w *Writer) Respond(msgType, deviceID string, data []byte) error {
	return w.Write(NewEnvelope(msgType, deviceID, data))
}
