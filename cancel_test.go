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
	"testing"
	"time"
)

func TestCancellableStartsUncancelled(t *testing.T) {
	c := NewCancellable()
	if c.IsCancelled() {
		t.Fatal("fresh Cancellable reports cancelled")
	}
	select {
	case <-c.Done():
		t.Fatal("Done() channel closed before Cancel()")
	default:
	}
}

func TestCancellableCancelIsOneShot(t *testing.T) {
	c := NewCancellable()
	c.Cancel()
	c.Cancel() // must not panic on the second call (close of a closed channel)

	if !c.IsCancelled() {
		t.Fatal("IsCancelled() false after Cancel()")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel not closed after Cancel()")
	}
}

func TestNewCancellableFromContextFiresOnContextCancel(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	c := NewCancellableFromContext(ctx)

	if c.IsCancelled() {
		t.Fatal("cancelled before context was")
	}

	cancelCtx()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Cancellable did not observe context cancellation in time")
	}
	if !c.IsCancelled() {
		t.Fatal("IsCancelled() false after context cancellation")
	}
}
