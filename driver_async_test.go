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
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/daemonfs/internal/daemontest"
	"github.com/jacobsa/daemonfs/internal/wire"
)

// runAsync must never call op.Step from two goroutines at once, even with a
// dispatcher that, like the default synchronousDispatch, runs each
// continuation immediately on the I/O goroutine. This one also keeps a
// mutex-guarded count of concurrent entries, which catches a regression
// that breaks that guarantee.
func TestRunAsyncSerializesContinuations(t *testing.T) {
	h := daemontest.NewHarness()
	defer h.Close()

	conn := NewConnection(h.CmdLocal, h.DataLocal)
	var seq uint32
	var incoming bytes.Buffer
	op := newWriteOp(NewCancellable(), &incoming, &seq, []byte{1, 2, 3})

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	dispatch := func(f func()) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		f()

		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		runAsync(op, conn, dispatch, func() { close(done) })
	}()

	_, seqNr, _, _, _, err := h.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	h.DataRemote.Write(daemontest.ReplyFrame(wire.ReplyWritten, seqNr, 3, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runAsync never completed")
	}

	if maxInFlight > 1 {
		t.Fatalf("max concurrent dispatch() entries = %d, want 1", maxInFlight)
	}

	n, _, opErr, cancelled := op.Result()
	if n != 3 || opErr != nil || cancelled {
		t.Fatalf("Result() = (%d, %v, %v), want (3, nil, false)", n, opErr, cancelled)
	}
}
