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

// Package daemontest provides an in-memory stand-in for a daemon
// connection, used across the daemonfs test suite in place of a real
// socket or device file.
package daemontest

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/jacobsa/daemonfs/internal/wire"
)

// Harness is a pair of in-memory pipes standing in for a daemon
// connection's two half-channels. Local is what gets handed to a stream
// constructor; Remote is what the test drives directly: reading from
// CmdRemote observes outbound request bytes, writing to DataRemote injects
// reply bytes.
type Harness struct {
	CmdLocal, CmdRemote   net.Conn
	DataLocal, DataRemote net.Conn
}

// NewHarness sets up a fresh pair of pipes for each half-channel, built on
// net.Pipe so tests get a real net.Conn (including deadline support,
// which Connection's cancellation racing depends on) without a real socket.
func NewHarness() *Harness {
	cmdLocal, cmdRemote := net.Pipe()
	dataLocal, dataRemote := net.Pipe()
	return &Harness{
		CmdLocal:   cmdLocal,
		CmdRemote:  cmdRemote,
		DataLocal:  dataLocal,
		DataRemote: dataRemote,
	}
}

// Close tears down all four pipe ends. Tests should defer this even when
// the stream under test also closes its own halves, since Close is
// idempotent on a net.Conn.
func (h *Harness) Close() {
	h.CmdLocal.Close()
	h.CmdRemote.Close()
	h.DataLocal.Close()
	h.DataRemote.Close()
}

// ReadRequest reads exactly one request frame (header plus inline payload,
// if any) off CmdRemote, the way a daemon would.
func (h *Harness) ReadRequest() (cmd, seqNr, arg1, arg2 uint32, payload []byte, err error) {
	var hdr [wire.RequestHeaderSize]byte
	if _, err = readFull(h.CmdRemote, hdr[:]); err != nil {
		return
	}

	cmd = binary.BigEndian.Uint32(hdr[0:4])
	seqNr = binary.BigEndian.Uint32(hdr[4:8])
	arg1 = binary.BigEndian.Uint32(hdr[8:12])
	arg2 = binary.BigEndian.Uint32(hdr[12:16])
	dataLen := binary.BigEndian.Uint32(hdr[16:20])

	if dataLen > 0 {
		payload = make([]byte, dataLen)
		_, err = readFull(h.CmdRemote, payload)
	}
	return
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReplyFrame builds a non-ERROR reply frame's bytes.
func ReplyFrame(typ, seqNr, arg1, arg2 uint32) []byte {
	var buf bytes.Buffer
	var hdr [wire.ReplyHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], typ)
	binary.BigEndian.PutUint32(hdr[4:8], seqNr)
	binary.BigEndian.PutUint32(hdr[8:12], arg1)
	binary.BigEndian.PutUint32(hdr[12:16], arg2)
	buf.Write(hdr[:])
	return buf.Bytes()
}

// ErrorReplyFrame builds an ERROR reply frame, domain/code/message encoded
// as the wire format requires: "domain\0message\0", with arg1 the code and
// arg2 the payload length.
func ErrorReplyFrame(seqNr, code uint32, domain, message string) []byte {
	payload := append([]byte(domain), 0)
	payload = append(payload, []byte(message)...)
	payload = append(payload, 0)

	var buf bytes.Buffer
	var hdr [wire.ReplyHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], wire.ReplyError)
	binary.BigEndian.PutUint32(hdr[4:8], seqNr)
	binary.BigEndian.PutUint32(hdr[8:12], code)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	return buf.Bytes()
}

// DataReplyWithPayload builds a DATA reply (Read's success type) followed
// by the raw bytes that would be read off the data channel next.
func DataReplyWithPayload(seqNr uint32, payload []byte) []byte {
	frame := ReplyFrame(wire.ReplyData, seqNr, uint32(len(payload)), 0)
	return append(frame, payload...)
}
