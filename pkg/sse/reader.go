// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"context"
	"errors"
	"io"
)

// readChunkSize is the body read size. Small enough that tokens surface
// promptly, large enough to keep syscall counts down.
const readChunkSize = 4096

// Callback receives each decoded event. Returning an error stops reading
// and that error is returned from Read.
type Callback func(Event) error

// FrameCallback receives each raw frame.
type FrameCallback func(Frame) error

// Reader drives a Decoder over an io.Reader.
//
// # Description
//
// Read returns when:
//   - EOF is reached (after flushing the decoder)
//   - a terminal event (done/error) has been delivered
//   - ctx is cancelled
//   - the callback returns an error
//
// The caller owns r and must close it. Cancelling ctx does not unblock a
// pending r.Read by itself; for HTTP bodies, tie ctx to the request so the
// transport closes the body.
type Reader struct {
	index int
}

// NewReader returns a Reader with a zeroed event index.
func NewReader() *Reader {
	return &Reader{}
}

// Read decodes r with dec and invokes cb for every event.
func (rd *Reader) Read(ctx context.Context, r io.Reader, dec Decoder, cb Callback) error {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			done, err := rd.deliver(dec.Feed(buf[:n]), cb)
			if err != nil || done {
				return err
			}
		}

		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
			_, err := rd.deliver(dec.Flush(), cb)
			return err
		}
	}
}

func (rd *Reader) deliver(events []Event, cb Callback) (bool, error) {
	for _, ev := range events {
		ev.Index = rd.index
		rd.index++
		if err := cb(ev); err != nil {
			return true, err
		}
		if ev.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ReadFrames reads raw SSE frames from r until ctx cancellation, a callback
// error or end of stream. A server-closed stream returns io.EOF so that
// long-lived subscribers can tell it apart from a clean shutdown.
func ReadFrames(ctx context.Context, r io.Reader, cb FrameCallback) error {
	var splitter FrameSplitter
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, f := range splitter.Feed(string(buf[:n])) {
				if err := cb(f); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(readErr, io.EOF) {
				return readErr
			}
			for _, f := range splitter.Flush() {
				if err := cb(f); err != nil {
					return err
				}
			}
			return io.EOF
		}
	}
}
