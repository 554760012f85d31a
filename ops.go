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

	"github.com/jacobsa/daemonfs/internal/wire"
)

// StepKind identifies the action a driver must perform to advance an
// operation's state machine.
type StepKind int

const (
	// StepWrite asks the driver to write Buf to the command channel.
	StepWrite StepKind = iota
	// StepRead asks the driver to read into Buf from the data channel.
	StepRead
	// StepSkip asks the driver to discard Size bytes from the data channel.
	StepSkip
	// StepDone indicates the operation has reached a terminal outcome;
	// Result() may now be consulted.
	StepDone
)

// IOStep is emitted by an operation's Step method and consumed by a driver
// (§3 I/O step descriptor).
type IOStep struct {
	Kind        StepKind
	Buf         []byte
	Size        int
	AllowCancel bool
}

// IOResult is fed back into Step after a driver performs the IOStep it was
// given.
type IOResult struct {
	N         int
	Cancelled bool
	Err       error
}

type opKind int

const (
	opWrite opKind = iota
	opRead
	opSeek
	opClose
)

type phase int

const (
	phaseEmit phase = iota
	phaseDrainWrite
	phaseSendPayload
	phaseAwaitReply
	phaseDiscardPayload
	phaseReadPayload
	phaseDone
)

// operation is the tagged-variant state machine described in §3/§4.3: one
// value serves Write, Read, Seek, and Close, switching behavior on kind.
// Exactly one operation is ever in flight per stream, so it may safely own
// its outgoing buffer and scratch reads; the incoming buffer, by contrast,
// is threaded in from the stream because unconsumed bytes must survive
// across operations.
type operation struct {
	kind  opKind
	phase phase

	cancel   *Cancellable
	incoming *bytes.Buffer
	seqNrPtr *uint32

	outBuf         bytes.Buffer
	seqNr          uint32
	sentCancel     bool
	emittingCancel bool
	partialStarted bool

	// Write inputs/scratch.
	payload    []byte
	payloadPos int

	// Seek inputs.
	offset int64
	whence seekWhence

	// Read inputs/scratch.
	readBuf       []byte
	readWant      int
	readDelivered int

	pendingScratch   []byte
	discardRemaining int

	// Terminal outcome.
	n         int
	newOffset int64
	err       error
	cancelled bool
}

// seekWhence mirrors the os.Seek whence constants without importing os here.
type seekWhence int

const (
	SeekSet seekWhence = 0
	SeekCur seekWhence = 1
	SeekEnd seekWhence = 2
)

func newWriteOp(cancel *Cancellable, incoming *bytes.Buffer, seqNrPtr *uint32, payload []byte) *operation {
	return &operation{kind: opWrite, cancel: cancel, incoming: incoming, seqNrPtr: seqNrPtr, payload: payload}
}

func newReadOp(cancel *Cancellable, incoming *bytes.Buffer, seqNrPtr *uint32, buf []byte) *operation {
	return &operation{kind: opRead, cancel: cancel, incoming: incoming, seqNrPtr: seqNrPtr, readBuf: buf, readWant: len(buf)}
}

func newSeekOp(cancel *Cancellable, incoming *bytes.Buffer, seqNrPtr *uint32, offset int64, whence seekWhence) *operation {
	return &operation{kind: opSeek, cancel: cancel, incoming: incoming, seqNrPtr: seqNrPtr, offset: offset, whence: whence}
}

func newCloseOp(cancel *Cancellable, incoming *bytes.Buffer, seqNrPtr *uint32) *operation {
	return &operation{kind: opClose, cancel: cancel, incoming: incoming, seqNrPtr: seqNrPtr}
}

// Step advances the machine by one increment, given the result of the
// IOStep most recently returned (the zero IOResult{} on the very first
// call).
func (op *operation) Step(io IOResult) IOStep {
	switch op.phase {
	case phaseEmit:
		return op.stepEmit()
	case phaseDrainWrite:
		return op.stepDrainWrite(io)
	case phaseSendPayload:
		return op.stepSendPayload(io)
	case phaseAwaitReply:
		return op.stepAwaitReply(io)
	case phaseDiscardPayload:
		return op.stepDiscardPayload(io)
	case phaseReadPayload:
		return op.stepReadPayload(io)
	default:
		return IOStep{Kind: StepDone}
	}
}

func (op *operation) terminate(err error, cancelled bool) IOStep {
	op.err = err
	op.cancelled = cancelled
	op.phase = phaseDone
	return IOStep{Kind: StepDone}
}

// stepEmit is S0: encode the primary request (or, if we're mid-cancellation,
// the CANCEL frame) and start draining it.
func (op *operation) stepEmit() IOStep {
	if !op.emittingCancel {
		// §5: cancellation observed before the first byte of the request is
		// sent aborts the op locally with no wire traffic at all.
		if op.cancel != nil && op.cancel.IsCancelled() {
			return op.terminate(nil, true)
		}

		op.encodePrimaryRequest()
	} else {
		// The CANCEL frame's own header seq_nr is just the next wire tick;
		// it is never matched against anything (invariant 4), so the value
		// EncodeRequest returns is discarded. arg1 carries the seq_nr of
		// the operation being cancelled, which is what the eventual
		// ERROR/success reply will still be keyed on.
		wire.EncodeRequest(&op.outBuf, op.seqNrPtr, wire.CmdCancel, op.seqNr, 0, nil)
	}

	// The CANCEL frame itself must never be interrupted by the very
	// cancellation it's carrying: cancel is already observed true here, so
	// AllowCancel would make the connection abort the write before a single
	// byte of the CANCEL frame reaches the wire.
	op.phase = phaseDrainWrite
	return IOStep{Kind: StepWrite, Buf: op.outBuf.Bytes(), AllowCancel: !op.emittingCancel}
}

func (op *operation) encodePrimaryRequest() {
	switch op.kind {
	case opWrite:
		// The payload is streamed separately in phaseSendPayload (so a
		// large write never needs a second copy of it in memory); only the
		// 20-byte header is built here, with data_len set to the full
		// payload size as the wire format requires.
		op.seqNr = encodeWriteHeader(&op.outBuf, op.seqNrPtr, len(op.payload))
	case opRead:
		op.seqNr = wire.EncodeRequest(&op.outBuf, op.seqNrPtr, wire.CmdRead, uint32(op.readWant), 0, nil)
	case opSeek:
		arg1, arg2 := wire.SplitOffset(op.offset)
		op.seqNr = wire.EncodeRequest(&op.outBuf, op.seqNrPtr, seekCommand(op.whence), arg1, arg2, nil)
	case opClose:
		op.seqNr = wire.EncodeRequest(&op.outBuf, op.seqNrPtr, wire.CmdClose, 0, 0, nil)
	}
}

// encodeWriteHeader writes just the 20-byte WRITE header (arg1 = data_len =
// size), leaving the payload to be streamed in phaseSendPayload so that
// large writes don't require doubling the buffer in memory. EncodeRequest
// itself can't be used here: passing it a nil payload to avoid appending the
// bytes would also zero data_len, which must equal the real payload size.
func encodeWriteHeader(buf *bytes.Buffer, seqNrPtr *uint32, size int) uint32 {
	return wire.EncodeRequestHeader(buf, seqNrPtr, wire.CmdWrite, uint32(size), 0, uint32(size))
}

func seekCommand(w seekWhence) uint32 {
	switch w {
	case SeekCur:
		return wire.CmdSeekCur
	case SeekEnd:
		return wire.CmdSeekEnd
	default:
		return wire.CmdSeekSet
	}
}

// stepDrainWrite is S1.
func (op *operation) stepDrainWrite(io IOResult) IOStep {
	if io.Err != nil {
		return op.terminate(ErrProtocolIO, false)
	}
	if io.Cancelled {
		return op.terminate(nil, true)
	}

	if io.N > 0 {
		op.partialStarted = true
		op.outBuf.Next(io.N)
	}

	if op.outBuf.Len() > 0 {
		return IOStep{Kind: StepWrite, Buf: op.outBuf.Bytes(), AllowCancel: !op.partialStarted && !op.emittingCancel}
	}

	if op.emittingCancel {
		op.emittingCancel = false
		op.sentCancel = true
		op.phase = phaseAwaitReply
		return op.stepAwaitReply(IOResult{})
	}

	if op.kind == opWrite {
		op.phase = phaseSendPayload
		return op.stepSendPayload(IOResult{})
	}

	op.phase = phaseAwaitReply
	return op.stepAwaitReply(IOResult{})
}

// stepSendPayload is S2 (Write only): cancellation is never observed here,
// since an interrupted payload would desynchronize the peer.
func (op *operation) stepSendPayload(io IOResult) IOStep {
	if io.Err != nil {
		return op.terminate(ErrProtocolIO, false)
	}

	op.payloadPos += io.N

	if op.payloadPos < len(op.payload) {
		return IOStep{Kind: StepWrite, Buf: op.payload[op.payloadPos:], AllowCancel: false}
	}

	op.phase = phaseAwaitReply
	return op.stepAwaitReply(IOResult{})
}

// stepAwaitReply is S3.
func (op *operation) stepAwaitReply(io IOResult) IOStep {
	if op.pendingScratch != nil {
		scratch := op.pendingScratch
		op.pendingScratch = nil

		if io.Err != nil {
			return op.terminate(ErrProtocolIO, false)
		}
		if io.Cancelled {
			return op.beginCancelEmit()
		}
		if io.N == 0 {
			return op.terminate(ErrEndOfStream, false)
		}

		op.incoming.Write(scratch[:io.N])
	}

	if !op.sentCancel && op.cancel != nil && op.cancel.IsCancelled() {
		return op.beginCancelEmit()
	}

	missing := wire.ReplyMissingBytes(op.incoming.Bytes())
	if missing > 0 {
		scratch := make([]byte, missing)
		op.pendingScratch = scratch
		// Once the CANCEL frame itself has gone out, this read must block
		// for the terminal ERROR/success reply it provoked rather than
		// re-observing the same cancellation and looping back into
		// beginCancelEmit (§4.3: a CANCEL is sent at most once per op).
		return IOStep{Kind: StepRead, Buf: scratch, AllowCancel: !op.sentCancel}
	}

	reply, errPayload := wire.DecodeReply(op.incoming.Bytes())
	frameLen := wire.ReplyHeaderSize
	if reply.Type == wire.ReplyError {
		frameLen += len(errPayload)
	}

	if reply.SeqNr == op.seqNr && reply.Type == wire.ReplyCancelled {
		op.incoming.Next(frameLen)
		return op.terminate(nil, true)
	}

	if reply.SeqNr == op.seqNr && reply.Type == wire.ReplyError {
		remote := wire.DecodeError(reply, errPayload)
		op.incoming.Next(frameLen)
		return op.terminate(newRemoteError(remote), false)
	}

	if reply.SeqNr == op.seqNr && op.isExpectedSuccess(reply.Type) {
		op.incoming.Next(frameLen)
		return op.onSuccess(reply)
	}

	// Reply filtering (property 4): anything else is noise and is dropped.
	op.incoming.Next(frameLen)

	if reply.Type == wire.ReplyData {
		// The DATA payload for a discarded frame was never buffered; it's
		// still sitting unread on the data channel and must be flushed off
		// before we can trust framing again.
		op.discardRemaining = int(reply.Arg1)
		op.phase = phaseDiscardPayload
		return op.stepDiscardPayload(IOResult{})
	}

	return op.stepAwaitReply(IOResult{})
}

func (op *operation) beginCancelEmit() IOStep {
	op.emittingCancel = true
	op.outBuf.Reset()
	op.phase = phaseEmit
	return op.stepEmit()
}

func (op *operation) isExpectedSuccess(t uint32) bool {
	switch op.kind {
	case opWrite:
		return t == wire.ReplyWritten
	case opRead:
		return t == wire.ReplyData
	case opSeek:
		return t == wire.ReplySeekPos
	case opClose:
		return t == wire.ReplyClosed
	}
	return false
}

func (op *operation) onSuccess(reply wire.Reply) IOStep {
	switch op.kind {
	case opWrite:
		return op.terminateWithCount(int(reply.Arg1))
	case opSeek:
		op.newOffset = wire.JoinOffset(reply.Arg1, reply.Arg2)
		return op.terminateWithCount(0)
	case opClose:
		return op.terminateWithCount(0)
	case opRead:
		want := int(reply.Arg1)
		if want > len(op.readBuf) {
			return op.terminate(ErrProtocolIO, false)
		}

		op.readWant = want
		op.readDelivered = 0
		op.phase = phaseReadPayload

		if want == 0 {
			return op.terminateWithCount(0)
		}

		// Issue the first real read directly, rather than re-entering
		// stepReadPayload with a synthetic zero IOResult: a genuine 0-byte
		// read means end of stream, so the two cases must not be confused.
		return IOStep{Kind: StepRead, Buf: op.readBuf[:want], AllowCancel: false}
	}
	return IOStep{Kind: StepDone}
}

// terminateWithCount is a small helper so onSuccess's non-Read branches can
// set n and finish in one line without repeating terminate's signature for
// the (err=nil, cancelled=false) case.
func (op *operation) terminateWithCount(n int) IOStep {
	op.n = n
	return op.terminate(nil, false)
}

func (op *operation) stepDiscardPayload(io IOResult) IOStep {
	if io.Err != nil {
		return op.terminate(ErrProtocolIO, false)
	}

	op.discardRemaining -= io.N

	if op.discardRemaining > 0 {
		return IOStep{Kind: StepSkip, Size: op.discardRemaining, AllowCancel: false}
	}

	op.phase = phaseAwaitReply
	return op.stepAwaitReply(IOResult{})
}

func (op *operation) stepReadPayload(io IOResult) IOStep {
	if io.Err != nil {
		return op.terminate(ErrProtocolIO, false)
	}
	if io.N == 0 && op.readDelivered < op.readWant {
		return op.terminate(ErrEndOfStream, false)
	}

	op.readDelivered += io.N

	if op.readDelivered < op.readWant {
		return IOStep{
			Kind:        StepRead,
			Buf:         op.readBuf[op.readDelivered:op.readWant],
			AllowCancel: false,
		}
	}

	op.n = op.readDelivered
	return op.terminate(nil, false)
}

// Result reports the terminal outcome of a Done operation.
func (op *operation) Result() (n int, newOffset int64, err error, cancelled bool) {
	return op.n, op.newOffset, op.err, op.cancelled
}
