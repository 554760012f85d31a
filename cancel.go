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
	"context"
	"sync/atomic"
)

// Cancellable is a sharable cancellation flag, observable from both the
// synchronous and asynchronous drivers. It is a plain value type with a
// one-shot wakeup channel, not a broadcast bus: once flipped it stays
// flipped, and Done() is safe to select on from any number of goroutines.
type Cancellable struct {
	flag int32
	done chan struct{}
}

// NewCancellable returns a fresh, uncancelled signal.
func NewCancellable() *Cancellable {
	return &Cancellable{done: make(chan struct{})}
}

// Cancel flips the flag and closes the wakeup channel. Safe to call more
// than once or concurrently; only the first call has an effect.
func (c *Cancellable) Cancel() {
	if atomic.CompareAndSwapInt32(&c.flag, 0, 1) {
		close(c.done)
	}
}

// IsCancelled reports whether Cancel has been called.
func (c *Cancellable) IsCancelled() bool {
	return atomic.LoadInt32(&c.flag) != 0
}

// Done returns a channel that is closed when Cancel is called. Both drivers
// select on this during any I/O step with AllowCancel set, instead of
// polling IsCancelled in a tight loop.
func (c *Cancellable) Done() <-chan struct{} {
	return c.done
}

// NewCancellableFromContext returns a Cancellable that flips when ctx is
// done. It is a convenience adapter for callers who compose deadlines or
// external cancellation via context.Context; the engine itself never reads
// a context directly for this purpose.
func NewCancellableFromContext(ctx context.Context) *Cancellable {
	c := NewCancellable()
	if ctx.Done() == nil {
		return c
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Cancel()
		case <-c.done:
		}
	}()

	return c
}
