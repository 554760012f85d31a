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

// Dispatcher posts f to run on the goroutine that owns a stream's state
// machine. The async driver never touches op or its buffers from any
// goroutine but the one Dispatcher delivers onto, so the facade may supply
// something as simple as a single-item work channel drained by the
// goroutine that created the stream.
type Dispatcher func(f func())

// runAsync drives op to completion without blocking the calling goroutine.
// Each IOStep is performed on a throwaway goroutine (the underlying I/O call
// is still the blocking Connection one; what makes this the "asynchronous"
// driver is that the caller's goroutine never waits on it) and its result is
// handed back to the state machine only after being posted through
// dispatch, so op.Step is never called from two goroutines at once. done is
// invoked, via dispatch, exactly once, with the operation's terminal
// outcome already available from op.Result().
func runAsync(op *operation, conn *Connection, dispatch Dispatcher, done func()) {
	stepAsync(op, conn, dispatch, done, IOResult{})
}

func stepAsync(op *operation, conn *Connection, dispatch Dispatcher, done func(), result IOResult) {
	step := op.Step(result)
	logger := getLogger()

	if step.Kind == StepDone {
		dispatch(done)
		return
	}

	go func() {
		var n int
		var cancelled bool
		var err error

		switch step.Kind {
		case StepWrite:
			logger.Printf("async: write %d bytes (allowCancel=%v)", len(step.Buf), step.AllowCancel)
			n, cancelled, err = conn.Write(step.Buf, op.cancel, step.AllowCancel)
		case StepRead:
			logger.Printf("async: read up to %d bytes (allowCancel=%v)", len(step.Buf), step.AllowCancel)
			n, cancelled, err = conn.Read(step.Buf, op.cancel, step.AllowCancel)
		case StepSkip:
			logger.Printf("async: skip %d bytes (allowCancel=%v)", step.Size, step.AllowCancel)
			n, cancelled, err = conn.Skip(step.Size, op.cancel, step.AllowCancel)
		default:
			panic("stepAsync: unknown IOStep kind")
		}

		next := ioResultFrom(n, cancelled, err)
		dispatch(func() {
			stepAsync(op, conn, dispatch, done, next)
		})
	}()
}
