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

// Package wire implements the length-prefixed binary request/reply frames
// exchanged with a daemon file-access backend over a single connection. It
// performs no I/O of its own; callers are responsible for getting bytes onto
// and off of the wire.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command codes recognized on the outbound (command) half-channel. The
// numeric values are part of the ABI shared with the daemon and must not be
// renumbered.
const (
	CmdWrite uint32 = iota + 1
	CmdClose
	CmdSeekSet
	CmdSeekCur
	CmdSeekEnd
	CmdCancel
	CmdRead
)

// Reply codes recognized on the inbound (data) half-channel.
const (
	ReplyWritten uint32 = iota + 1
	ReplyClosed
	ReplySeekPos
	ReplyData
	ReplyError
	ReplyCancelled
)

// RequestHeaderSize is the size in bytes of a request frame's fixed header,
// not counting any inline payload.
const RequestHeaderSize = 20

// ReplyHeaderSize is the size in bytes of a reply frame's fixed header, not
// counting any ERROR payload.
const ReplyHeaderSize = 16

// Reply is a decoded reply frame header. Payload bytes, if any, are handled
// separately by the caller (see DecodeError and the Read operation's direct
// data-channel consumption).
type Reply struct {
	Type  uint32
	SeqNr uint32
	Arg1  uint32
	Arg2  uint32
}

// EncodeRequestHeader appends just the 20-byte request header to buf, with
// data_len set to dataLen regardless of whether the corresponding payload
// bytes are appended to buf by the caller or streamed separately (as the
// Write operation does, to avoid a second copy of a large buffer). It
// returns the sequence number assigned to the frame. seqNr is a pointer to
// the connection's monotonic counter, incremented as a side effect.
func EncodeRequestHeader(
	buf *bytes.Buffer,
	seqNr *uint32,
	cmd, arg1, arg2, dataLen uint32) (assigned uint32) {
	assigned = *seqNr
	*seqNr++

	var hdr [RequestHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], cmd)
	binary.BigEndian.PutUint32(hdr[4:8], assigned)
	binary.BigEndian.PutUint32(hdr[8:12], arg1)
	binary.BigEndian.PutUint32(hdr[12:16], arg2)
	binary.BigEndian.PutUint32(hdr[16:20], dataLen)

	buf.Write(hdr[:])

	return
}

// EncodeRequest appends one request frame, header and inline payload, to
// buf and returns the assigned sequence number.
func EncodeRequest(
	buf *bytes.Buffer,
	seqNr *uint32,
	cmd, arg1, arg2 uint32,
	payload []byte) (assigned uint32) {
	assigned = EncodeRequestHeader(buf, seqNr, cmd, arg1, arg2, uint32(len(payload)))
	buf.Write(payload)
	return
}

// ReplyMissingBytes returns how many additional bytes must be appended to buf
// before a complete reply frame (header plus any ERROR payload) is present.
// It returns 0 when buf already holds a complete frame at its head.
func ReplyMissingBytes(buf []byte) int {
	if len(buf) < ReplyHeaderSize {
		return ReplyHeaderSize - len(buf)
	}

	typ := binary.BigEndian.Uint32(buf[0:4])
	if typ != ReplyError {
		return 0
	}

	arg2 := binary.BigEndian.Uint32(buf[12:16])
	total := ReplyHeaderSize + int(arg2)
	if len(buf) >= total {
		return 0
	}

	return total - len(buf)
}

// DecodeReply parses the reply header at the head of buf. The caller must
// have already ensured ReplyMissingBytes(buf) == 0. errPayload is non-nil
// only when reply.Type == ReplyError, and aliases the ERROR payload bytes
// within buf.
func DecodeReply(buf []byte) (reply Reply, errPayload []byte) {
	reply.Type = binary.BigEndian.Uint32(buf[0:4])
	reply.SeqNr = binary.BigEndian.Uint32(buf[4:8])
	reply.Arg1 = binary.BigEndian.Uint32(buf[8:12])
	reply.Arg2 = binary.BigEndian.Uint32(buf[12:16])

	if reply.Type == ReplyError {
		errPayload = buf[ReplyHeaderSize : ReplyHeaderSize+int(reply.Arg2)]
	}

	return
}

// RemoteError is the decoded form of an ERROR reply payload.
type RemoteError struct {
	Domain  string
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Domain, e.Message, e.Code)
}

// DecodeError splits an ERROR reply's payload of the form
// "domain\x00message\x00" into its components, using reply.Arg1 as the
// domain-specific numeric code.
func DecodeError(reply Reply, payload []byte) *RemoteError {
	nul := bytes.IndexByte(payload, 0)
	if nul < 0 {
		return &RemoteError{Domain: "", Code: reply.Arg1, Message: string(payload)}
	}

	domain := string(payload[:nul])
	rest := payload[nul+1:]

	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}

	return &RemoteError{Domain: domain, Code: reply.Arg1, Message: string(rest)}
}

// SplitOffset packs a 64-bit offset into the arg1/arg2 pair used by SEEK
// requests and SEEK_POS replies: arg1 holds the low 32 bits, arg2 the high
// 32 bits.
func SplitOffset(offset int64) (arg1, arg2 uint32) {
	u := uint64(offset)
	return uint32(u & 0xffffffff), uint32(u >> 32)
}

// JoinOffset is the inverse of SplitOffset.
func JoinOffset(arg1, arg2 uint32) int64 {
	return int64(uint64(arg2)<<32 | uint64(arg1))
}
