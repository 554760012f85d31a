// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemonfs

import (
	"io"
	"sync"
	"time"
)

// deadlineSetter is implemented by half-channels (typically one end of a
// net.Conn or os.File duplicated from a daemon socket) that support
// unblocking an in-flight Read or Write by arming an immediate deadline.
// Connection uses this, when available, to let the cancellation signal
// interrupt blocking I/O without tearing down the channel.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// past is far enough in the past to make any SetReadDeadline/SetWriteDeadline
// call return immediately with a timeout error on the next blocking call.
var past = time.Unix(0, 0)

// Connection owns one daemon connection's two half-channels: an outbound
// command channel and an inbound data channel. It is exclusively owned by
// one stream facade for the file's entire lifetime (§3 Connection).
type Connection struct {
	cmd  io.WriteCloser
	data io.ReadCloser

	mu         sync.Mutex
	cmdClosed  bool
	dataClosed bool

	logger func(format string, v ...interface{})
}

// NewConnection wraps a pair of half-channels. Ownership of both transfers
// to the Connection; they are closed (at most once each) by Close/CloseRead/
// CloseWrite.
func NewConnection(cmd io.WriteCloser, data io.ReadCloser) *Connection {
	return &Connection{
		cmd:    cmd,
		data:   data,
		logger: func(string, ...interface{}) {},
	}
}

// armCancel starts racing cancel against the blocking call about to be made
// on ds, returning a function that must be called once that blocking call
// returns (successfully or not) to stop racing and to clear any deadline the
// race armed. If allowCancel is false or cancel is nil or ds doesn't support
// deadlines, armCancel is a no-op.
func armCancel(ds deadlineSetter, cancel *Cancellable, allowCancel bool, write bool) (disarm func()) {
	if !allowCancel || cancel == nil || ds == nil {
		return func() {}
	}

	stop := make(chan struct{})
	exited := make(chan struct{})
	fired := false
	go func() {
		defer close(exited)
		select {
		case <-cancel.Done():
			fired = true
			if write {
				ds.SetWriteDeadline(past)
			} else {
				ds.SetReadDeadline(past)
			}
		case <-stop:
		}
	}()

	return func() {
		close(stop)
		<-exited
		if fired {
			if write {
				ds.SetWriteDeadline(time.Time{})
			} else {
				ds.SetReadDeadline(time.Time{})
			}
		}
	}
}

// Write performs a blocking write of buf to the command channel. cancelled
// is true only when allowCancel was set and the cancellation signal fired
// before or during the write; in that case n is the number of bytes that
// made it onto the wire regardless (partial writes are not rolled back).
func (c *Connection) Write(buf []byte, cancel *Cancellable, allowCancel bool) (n int, cancelled bool, err error) {
	if allowCancel && cancel != nil && cancel.IsCancelled() {
		return 0, true, nil
	}

	ds, _ := c.cmd.(deadlineSetter)
	disarm := armCancel(ds, cancel, allowCancel, true)
	n, err = c.cmd.Write(buf)
	disarm()

	if err != nil && allowCancel && cancel != nil && cancel.IsCancelled() {
		return n, true, nil
	}

	return n, false, err
}

// Read performs a blocking read into buf from the data channel. Semantics
// mirror Write.
func (c *Connection) Read(buf []byte, cancel *Cancellable, allowCancel bool) (n int, cancelled bool, err error) {
	if allowCancel && cancel != nil && cancel.IsCancelled() {
		return 0, true, nil
	}

	ds, _ := c.data.(deadlineSetter)
	disarm := armCancel(ds, cancel, allowCancel, false)
	n, err = c.data.Read(buf)
	disarm()

	if err != nil && allowCancel && cancel != nil && cancel.IsCancelled() {
		return n, true, nil
	}

	return n, false, err
}

// Skip discards n bytes from the data channel, as Read would, without
// delivering them anywhere. Used to drop a stale or non-matching reply's
// trailing payload (e.g. an unexpected DATA frame's bytes).
func (c *Connection) Skip(n int, cancel *Cancellable, allowCancel bool) (skipped int, cancelled bool, err error) {
	scratch := make([]byte, 4096)
	for skipped < n {
		want := n - skipped
		if want > len(scratch) {
			want = len(scratch)
		}

		var got int
		got, cancelled, err = c.Read(scratch[:want], cancel, allowCancel)
		skipped += got

		if cancelled || err != nil {
			return
		}
	}

	return
}

// CloseWrite closes the command channel. Idempotent.
func (c *Connection) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmdClosed {
		return nil
	}
	c.cmdClosed = true

	return c.cmd.Close()
}

// CloseRead closes the data channel. Idempotent.
func (c *Connection) CloseRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataClosed {
		return nil
	}
	c.dataClosed = true

	return c.data.Close()
}

// Close closes both half-channels, returning the first error encountered.
func (c *Connection) Close() error {
	werr := c.CloseWrite()
	rerr := c.CloseRead()
	if werr != nil {
		return werr
	}
	return rerr
}
