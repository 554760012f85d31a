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

// runSync drives op to completion on the calling goroutine, performing each
// IOStep it emits as a blocking call against conn. This is the blocking
// half of the "same state machine, two drivers" split described by C4/C5:
// the only thing that differs between this function and runAsync is how an
// IOStep gets turned into an IOResult.
func runSync(op *operation, conn *Connection) {
	result := IOResult{}

	for {
		step := op.Step(result)

		logger := getLogger()

		switch step.Kind {
		case StepDone:
			return

		case StepWrite:
			logger.Printf("sync: write %d bytes (allowCancel=%v)", len(step.Buf), step.AllowCancel)
			n, cancelled, err := conn.Write(step.Buf, op.cancel, step.AllowCancel)
			result = ioResultFrom(n, cancelled, err)

		case StepRead:
			logger.Printf("sync: read up to %d bytes (allowCancel=%v)", len(step.Buf), step.AllowCancel)
			n, cancelled, err := conn.Read(step.Buf, op.cancel, step.AllowCancel)
			result = ioResultFrom(n, cancelled, err)

		case StepSkip:
			logger.Printf("sync: skip %d bytes (allowCancel=%v)", step.Size, step.AllowCancel)
			n, cancelled, err := conn.Skip(step.Size, op.cancel, step.AllowCancel)
			result = ioResultFrom(n, cancelled, err)

		default:
			panic("runSync: unknown IOStep kind")
		}
	}
}

// ioResultFrom adapts a Connection call's (n, cancelled, err) return into
// the IOResult shape the state machine consumes. A cancelled step never
// also carries a transport error: Connection reports cancellation or an
// error, never both, so the machine only has to branch on one at a time.
func ioResultFrom(n int, cancelled bool, err error) IOResult {
	if cancelled {
		return IOResult{N: n, Cancelled: true}
	}
	return IOResult{N: n, Err: err}
}
