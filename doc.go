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

// Package daemonfs implements the client side of a length-prefixed request/
// reply protocol for driving file I/O against an out-of-process daemon over
// a single connection split into two half-channels: an outbound command
// channel and an inbound data channel.
//
// An OutputStream or InputStream multiplexes Write/Read, Seek, and Close
// over that one connection, one operation at a time, honoring cancellation
// and partial-I/O acknowledgements from the daemon. Both a blocking
// synchronous API and a callback-based asynchronous API are offered over
// the same underlying per-operation state machines; see driver_sync.go and
// driver_async.go.
//
// Callers construct a stream from a pair of half-channels:
//
//	out := daemonfs.NewOutputStream(cmdHalf, dataHalf, true, 0)
//	n, err := out.Write([]byte("hello"))
//	err = out.Close()
//
// Cancellation is armed externally: a caller fetches the handle the next
// operation will honor with Cancellable(), or installs its own (e.g. one
// built from a context.Context deadline with NewCancellableFromContext)
// with SetCancellable, then races it against the blocking or async call.
//
// Set daemonfs.debug to enable wire-level logging to stderr.
package daemonfs
