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
	"bytes"
	"context"
	"io"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
)

// FileInfo is the attribute bag returned by GetFileInfo. Attribute modeling
// itself (the set of recognized keys, their encoding) is an external
// collaborator's concern; the engine only fixes this shape for it to fill
// in.
type FileInfo struct {
	Attributes map[string]string
}

// FileInfoFunc is the external collaborator consulted by GetFileInfo.
type FileInfoFunc func(ctx context.Context, attributes string) (*FileInfo, error)

// stream holds the state shared by OutputStream and InputStream: one
// Connection, the lifecycle invariants, and the offset/sequence bookkeeping
// that both read and write operations advance.
//
// mu is an InvariantMutex rather than a plain sync.Mutex for the same
// reason samples/memfs uses one: "closed and pending at once" is a bug we
// want to catch the moment it happens, not three operations later.
type stream struct {
	conn     *Connection
	canSeek  bool
	dispatch Dispatcher
	fileInfo FileInfoFunc

	mu            syncutil.InvariantMutex
	closed        bool         // GUARDED_BY(mu)
	pending       bool         // GUARDED_BY(mu)
	currentOffset int64        // GUARDED_BY(mu)
	cancel        *Cancellable // GUARDED_BY(mu)

	seqNr    uint32
	incoming bytes.Buffer
}

func (s *stream) checkInvariants() {
	if s.closed && s.pending {
		panic("daemonfs: stream is both closed and pending")
	}
}

// synchronousDispatch runs f immediately on whatever goroutine performed the
// I/O. It is the zero-effort Dispatcher for callers with no event loop of
// their own to post onto; it is safe because the facade never lets two
// operations be pending at once, so runAsync's continuations are already
// serialized regardless of which goroutine executes them.
func synchronousDispatch(f func()) { f() }

func newStream(cmd io.WriteCloser, data io.ReadCloser, canSeek bool, initialOffset int64) *stream {
	s := &stream{
		conn:          NewConnection(cmd, data),
		canSeek:       canSeek,
		dispatch:      synchronousDispatch,
		currentOffset: initialOffset,
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// SetDispatcher replaces the Dispatcher used by the *Async methods, letting
// a caller that owns an event loop route continuations onto it instead of
// accepting the default of running them on the I/O goroutine.
func (s *stream) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = d
}

// SetFileInfoProvider wires the external collaborator consulted by
// GetFileInfo. Until this is called, GetFileInfo fails with
// ErrInvalidArgument.
func (s *stream) SetFileInfoProvider(f FileInfoFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileInfo = f
}

// Cancellable returns the handle that the next operation issued on this
// stream will honor, creating one lazily if the caller hasn't supplied its
// own via SetCancellable. This is how cancellation gets armed externally
// (e.g. from a context.Context deadline via NewCancellableFromContext, or
// a timer goroutine calling Cancel() directly) per §5/§6: the engine itself
// never originates cancellation, only polls it.
func (s *stream) Cancellable() *Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		s.cancel = NewCancellable()
	}
	return s.cancel
}

// SetCancellable installs c as the handle the next operation issued on this
// stream will honor, replacing whatever Cancellable() would otherwise have
// created lazily.
func (s *stream) SetCancellable(c *Cancellable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = c
}

// takeCancellable hands the current operation the Cancellable a caller
// armed (or a fresh one if none was ever requested), and clears the field
// so the next call to Cancellable()/the next operation starts from a clean
// slate rather than reusing one that may have already fired.
func (s *stream) takeCancellable() *Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cancel
	if c == nil {
		c = NewCancellable()
	}
	s.cancel = nil
	return c
}

// beginTraced opens the reqtrace span for one facade call and then checks
// the closed/pending lifecycle invariants, reporting the span immediately
// if they reject the call. This guarantees property 13: a span is reported
// exactly once even for a call that never reaches a driver.
func (s *stream) beginTraced(name string) (report reqtrace.ReportFunc, err error) {
	_, report = reqtrace.StartSpan(context.Background(), name)

	s.mu.Lock()
	switch {
	case s.closed:
		err = ErrClosed
	case s.pending:
		err = ErrPending
	default:
		s.pending = true
	}
	s.mu.Unlock()

	if err != nil {
		report(err)
	}
	return report, err
}

// endWrite clears pending and, absent a cancellation or error, advances
// currentOffset by delta (the acknowledged byte count for a write, or the
// bytes actually delivered for a read/skip).
func (s *stream) endWrite(delta int, cancelled bool, opErr error) {
	s.mu.Lock()
	if !cancelled && opErr == nil {
		s.currentOffset += int64(delta)
	}
	s.pending = false
	s.mu.Unlock()
}

// endSeek is endWrite's analogue for Seek, which replaces currentOffset
// rather than advancing it (invariant 5).
func (s *stream) endSeek(newOffset int64, cancelled bool, opErr error) {
	s.mu.Lock()
	if !cancelled && opErr == nil {
		s.currentOffset = newOffset
	}
	s.pending = false
	s.mu.Unlock()
}

// endPlain clears pending without touching currentOffset, for Close.
func (s *stream) endPlain(closing bool) {
	s.mu.Lock()
	s.pending = false
	if closing {
		s.closed = true
	}
	s.mu.Unlock()
}

// Tell returns the facade's current notion of the file offset.
func (s *stream) Tell() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentOffset
}

// CanSeek reports the seekability fixed at construction.
func (s *stream) CanSeek() bool {
	return s.canSeek
}

// Closed reports whether Close or CloseAsync has completed on this stream.
func (s *stream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Pending reports whether an operation is currently in flight.
func (s *stream) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// GetFileInfo delegates to the FileInfoFunc collaborator wired by
// SetFileInfoProvider; attribute modeling itself is out of scope for this
// engine.
func (s *stream) GetFileInfo(ctx context.Context, attributes string) (*FileInfo, error) {
	s.mu.RLock()
	closed := s.closed
	provider := s.fileInfo
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if provider == nil {
		return nil, ErrInvalidArgument
	}
	return provider(ctx, attributes)
}

// Seek issues a SEEK_SET/SEEK_CUR/SEEK_END request, per whence (the
// io.Seek* constants, which share seekWhence's numeric values). Returns -1
// on cancellation or transport error (§9(c)); on success, the new absolute
// offset.
func (s *stream) Seek(offset int64, whence int) (int64, error) {
	report, err := s.beginTraced("daemonfs.Seek")
	if err != nil {
		return -1, err
	}

	if !s.canSeek {
		s.endPlain(false)
		report(ErrInvalidArgument)
		return -1, ErrInvalidArgument
	}

	cancel := s.takeCancellable()
	op := newSeekOp(cancel, &s.incoming, &s.seqNr, offset, seekWhence(whence))
	runSync(op, s.conn)

	_, newOffset, opErr, cancelled := op.Result()
	s.endSeek(newOffset, cancelled, opErr)

	if cancelled {
		report(ErrCancelled)
		return -1, ErrCancelled
	}
	if opErr != nil {
		report(opErr)
		return -1, opErr
	}

	report(nil)
	return newOffset, nil
}

// Close issues a CLOSE request and, regardless of its outcome, closes both
// half-channels of the underlying connection. Only the first error
// encountered across the CLOSE handshake and the two channel closes is
// returned; the stream is left closed either way.
func (s *stream) Close() error {
	report, err := s.beginTraced("daemonfs.Close")
	if err != nil {
		return err
	}

	cancel := s.takeCancellable()
	op := newCloseOp(cancel, &s.incoming, &s.seqNr)
	runSync(op, s.conn)

	_, _, opErr, cancelled := op.Result()
	closeErr := s.conn.Close()

	var final error
	switch {
	case cancelled:
		final = ErrCancelled
	case opErr != nil:
		final = opErr
	case closeErr != nil:
		final = closeErr
	}

	s.endPlain(true)
	report(final)
	return final
}

// CloseAsync is Close's callback-based analogue.
func (s *stream) CloseAsync(callback func(err error)) error {
	report, err := s.beginTraced("daemonfs.CloseAsync")
	if err != nil {
		return err
	}

	cancel := s.takeCancellable()
	op := newCloseOp(cancel, &s.incoming, &s.seqNr)

	runAsync(op, s.conn, s.dispatch, func() {
		_, _, opErr, cancelled := op.Result()
		closeErr := s.conn.Close()

		var final error
		switch {
		case cancelled:
			final = ErrCancelled
		case opErr != nil:
			final = opErr
		case closeErr != nil:
			final = closeErr
		}

		s.endPlain(true)
		report(final)
		callback(final)
	})
	return nil
}

// OutputStream is the write/seek/close capability set backed by a daemon
// connection (§9 design note: the Go analogue of the source's class
// hierarchy is this concrete type, which embeds the *stream shared with
// InputStream; no interface type is declared for it).
type OutputStream struct {
	*stream
}

// NewOutputStream wraps a pair of half-channels as a write-only daemon
// stream. Ownership of cmd and data transfers to the returned OutputStream.
func NewOutputStream(cmd io.WriteCloser, data io.ReadCloser, canSeek bool, initialOffset int64) *OutputStream {
	return &OutputStream{stream: newStream(cmd, data, canSeek, initialOffset)}
}

// Write sends buf as a single WRITE request, truncating silently to
// MaxWriteSize if buf is larger. Returns -1 on cancellation or a protocol
// error (no bytes meaningfully sent); otherwise the acknowledged count,
// which may be less than len(buf).
func (s *OutputStream) Write(buf []byte) (int, error) {
	report, err := s.beginTraced("daemonfs.Write")
	if err != nil {
		return -1, err
	}

	if len(buf) == 0 {
		s.endWrite(0, false, nil)
		report(nil)
		return 0, nil
	}
	if len(buf) > MaxWriteSize {
		buf = buf[:MaxWriteSize]
	}

	cancel := s.takeCancellable()
	op := newWriteOp(cancel, &s.incoming, &s.seqNr, buf)
	runSync(op, s.conn)

	acked, _, opErr, cancelled := op.Result()
	s.endWrite(acked, cancelled, opErr)

	if cancelled {
		report(ErrCancelled)
		return -1, ErrCancelled
	}
	if opErr != nil {
		report(opErr)
		return -1, opErr
	}

	report(nil)
	return acked, nil
}

// WriteAsync is Write's callback-based analogue (property 12: a second call
// made before callback fires observes ErrPending with no wire traffic).
func (s *OutputStream) WriteAsync(buf []byte, callback func(n int, err error)) error {
	report, err := s.beginTraced("daemonfs.WriteAsync")
	if err != nil {
		return err
	}

	finish := func(n int, finalErr error) {
		report(finalErr)
		callback(n, finalErr)
	}

	if len(buf) == 0 {
		s.endWrite(0, false, nil)
		s.dispatch(func() { finish(0, nil) })
		return nil
	}
	if len(buf) > MaxWriteSize {
		buf = buf[:MaxWriteSize]
	}

	cancel := s.takeCancellable()
	op := newWriteOp(cancel, &s.incoming, &s.seqNr, buf)

	runAsync(op, s.conn, s.dispatch, func() {
		acked, _, opErr, cancelled := op.Result()
		s.endWrite(acked, cancelled, opErr)

		switch {
		case cancelled:
			finish(-1, ErrCancelled)
		case opErr != nil:
			finish(-1, opErr)
		default:
			finish(acked, nil)
		}
	})
	return nil
}

// InputStream is the read/seek/close capability set, the analogue of
// OutputStream for a daemon file opened for reading.
type InputStream struct {
	*stream
}

// NewInputStream wraps a pair of half-channels as a read-only daemon
// stream. Ownership of cmd and data transfers to the returned InputStream.
func NewInputStream(cmd io.WriteCloser, data io.ReadCloser, canSeek bool) *InputStream {
	return &InputStream{stream: newStream(cmd, data, canSeek, 0)}
}

// Read issues a single READ request for len(buf) bytes and copies whatever
// the daemon sends directly into buf (property 11: never staged through the
// shared incoming buffer). Follows the io.Reader convention: (0, io.EOF) at
// end of stream, never a negative count.
func (s *InputStream) Read(buf []byte) (int, error) {
	report, err := s.beginTraced("daemonfs.Read")
	if err != nil {
		return 0, err
	}

	if len(buf) == 0 {
		s.endWrite(0, false, nil)
		report(nil)
		return 0, nil
	}

	cancel := s.takeCancellable()
	op := newReadOp(cancel, &s.incoming, &s.seqNr, buf)
	runSync(op, s.conn)

	got, _, opErr, cancelled := op.Result()
	s.endWrite(got, cancelled, opErr)

	if cancelled {
		report(ErrCancelled)
		return 0, ErrCancelled
	}
	if opErr != nil {
		report(opErr)
		return 0, opErr
	}

	report(nil)
	if got == 0 {
		return 0, io.EOF
	}
	return got, nil
}

// ReadAsync is Read's callback-based analogue.
func (s *InputStream) ReadAsync(buf []byte, callback func(n int, err error)) error {
	report, err := s.beginTraced("daemonfs.ReadAsync")
	if err != nil {
		return err
	}

	finish := func(n int, finalErr error) {
		report(finalErr)
		callback(n, finalErr)
	}

	if len(buf) == 0 {
		s.endWrite(0, false, nil)
		s.dispatch(func() { finish(0, nil) })
		return nil
	}

	cancel := s.takeCancellable()
	op := newReadOp(cancel, &s.incoming, &s.seqNr, buf)

	runAsync(op, s.conn, s.dispatch, func() {
		got, _, opErr, cancelled := op.Result()
		s.endWrite(got, cancelled, opErr)

		switch {
		case cancelled:
			finish(0, ErrCancelled)
		case opErr != nil:
			finish(0, opErr)
		case got == 0:
			finish(0, io.EOF)
		default:
			finish(got, nil)
		}
	})
	return nil
}

// Skip discards n bytes forward without delivering them to the caller, the
// input-stream analogue of a forward-only seek-by-reading. It is built on
// the Read state machine (a DATA reply's bytes are still read off the
// wire), just with the destination buffer never exposed to the caller.
func (s *InputStream) Skip(n int64) (int64, error) {
	report, err := s.beginTraced("daemonfs.Skip")
	if err != nil {
		return 0, err
	}

	if n <= 0 {
		s.endWrite(0, false, nil)
		report(nil)
		return 0, nil
	}

	scratch := make([]byte, n)
	cancel := s.takeCancellable()
	op := newReadOp(cancel, &s.incoming, &s.seqNr, scratch)
	runSync(op, s.conn)

	got, _, opErr, cancelled := op.Result()
	s.endWrite(got, cancelled, opErr)

	if cancelled {
		report(ErrCancelled)
		return 0, ErrCancelled
	}
	if opErr != nil {
		report(opErr)
		return 0, opErr
	}

	report(nil)
	return int64(got), nil
}
