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
	"errors"
	"fmt"

	"github.com/jacobsa/daemonfs/internal/wire"
	"golang.org/x/sys/unix"
)

// Errors corresponding to locally-originated failure kinds. These are never
// decoded from the wire; cf. RemoteError for those.
var (
	// ErrCancelled is returned when the cancellation signal was observed
	// before an operation's payload was acknowledged by the daemon.
	ErrCancelled = errors.New("daemonfs: operation cancelled")

	// ErrClosed is returned by every operation on a stream that has already
	// been closed.
	ErrClosed = errors.New("daemonfs: stream closed")

	// ErrPending is returned when an operation is attempted while another
	// operation on the same stream is still in flight.
	ErrPending = errors.New("daemonfs: operation already pending")

	// ErrInvalidArgument is returned for a seek on a non-seekable stream and
	// by GetFileInfo when no FileInfoFunc has been wired in. Counts are not
	// range-checked; Write truncates an oversized buffer to MaxWriteSize.
	ErrInvalidArgument = errors.New("daemonfs: invalid argument")

	// ErrProtocolIO is returned when the underlying connection reports a
	// transport error while framing or transferring a request or reply.
	ErrProtocolIO = errors.New("daemonfs: protocol I/O error")

	// ErrEndOfStream is returned when the inbound channel closes in the
	// middle of a frame. It is fatal, like ErrProtocolIO, but distinguished
	// so callers can tell a hung-up daemon from a malformed reply.
	ErrEndOfStream = errors.New("daemonfs: end of stream mid-frame")
)

// RemoteError is a facade-level wrapper around wire.RemoteError, the decoded
// form of an ERROR reply whose seq_nr matched the operation that provoked
// it.
type RemoteError struct {
	Domain  string
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemonfs: remote error: %s: %s (code %d)", e.Domain, e.Message, e.Code)
}

func newRemoteError(w *wire.RemoteError) *RemoteError {
	return &RemoteError{Domain: w.Domain, Code: w.Code, Message: w.Message}
}

// knownDomains maps the handful of error domains the daemon is known to use
// to a best-effort syscall.Errno, the way the teacher's errors.go aliases
// kernel errno values for FUSE. Unrecognized domains have no Errno mapping;
// callers should match on RemoteError.Domain/Code instead.
var knownDomains = map[string]map[uint32]unix.Errno{
	"org.daemonfs.Error": {
		1: unix.EACCES,
		2: unix.ENOENT,
		3: unix.EIO,
		4: unix.ENOSPC,
		5: unix.ECANCELED,
	},
}

// Errno returns the best-effort local errno for e, and ok == false if this
// domain/code pair is not one daemonfs recognizes.
func (e *RemoteError) Errno() (errno unix.Errno, ok bool) {
	codes, known := knownDomains[e.Domain]
	if !known {
		return 0, false
	}

	errno, ok = codes[e.Code]
	return
}

// MaxWriteSize is the per-write cap (4 MiB) enforced by the facade; counts
// larger than this are silently truncated before a Write operation enters
// its state machine.
const MaxWriteSize = 4 * 1024 * 1024
