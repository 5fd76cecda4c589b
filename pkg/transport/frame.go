// Copyright 2023 Intel Corporation. All Rights Reserved.
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

package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire framing for the standard/basic tier. Fixed-size little-endian
// fields; no language-native serialization on the wire.
//
//	request_id u64 | op u8 | page_number u64 | payload (4096 bytes, DATA ops)
//
// FETCH_RESP and PUSH are the DATA ops. ERROR carries no payload; its
// page_number echoes the failed request's page.

// Op is the frame operation code.
type Op uint8

const (
	// OpFetchReq requests the bytes of one page.
	OpFetchReq Op = 0x01
	// OpFetchResp carries the requested page bytes.
	OpFetchResp Op = 0x02
	// OpPush carries a page for the receiver to install and own.
	OpPush Op = 0x03
	// OpPushAck acknowledges an installed push.
	OpPushAck Op = 0x04
	// OpPing is the keep-alive and latency probe.
	OpPing Op = 0x05
	// OpPong answers a ping.
	OpPong Op = 0x06
	// OpError reports a serving failure for the echoed request.
	OpError Op = 0x07
)

// String returns the wire name of the op.
func (op Op) String() string {
	switch op {
	case OpFetchReq:
		return "FETCH_REQ"
	case OpFetchResp:
		return "FETCH_RESP"
	case OpPush:
		return "PUSH"
	case OpPushAck:
		return "PUSH_ACK"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpError:
		return "ERROR"
	}
	return "INVALID"
}

// headerSize is the fixed frame header length.
const headerSize = 8 + 1 + 8

// carriesPayload reports whether the op is followed by one page of bytes.
func (op Op) carriesPayload() bool {
	return op == OpFetchResp || op == OpPush
}

func validOp(op Op) bool {
	return op >= OpFetchReq && op <= OpError
}

// Frame is one protocol message. Payload is nil except for DATA ops, where
// it is exactly one page.
type Frame struct {
	RequestID uint64
	Op        Op
	Page      uint64
	Payload   []byte
}

// Encode appends the wire encoding of the frame to buf and returns the
// extended slice.
func (f *Frame) Encode(buf []byte) ([]byte, error) {
	want := 0
	if f.Op.carriesPayload() {
		want = PageSize
	}
	if len(f.Payload) != want {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"%s frame with %d payload bytes", f.Op, len(f.Payload))
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], f.RequestID)
	hdr[8] = byte(f.Op)
	binary.LittleEndian.PutUint64(hdr[9:17], f.Page)

	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := f.Encode(make([]byte, 0, headerSize+len(f.Payload)))
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "frame write")
	}
	return nil
}

// ReadFrame reads and validates one frame from r. The payload of DATA ops
// is read into a fresh one-page buffer.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		RequestID: binary.LittleEndian.Uint64(hdr[0:8]),
		Op:        Op(hdr[8]),
		Page:      binary.LittleEndian.Uint64(hdr[9:17]),
	}
	if !validOp(f.Op) {
		return nil, errors.Wrapf(ErrProtocolViolation, "invalid op %#02x", hdr[8])
	}
	if f.Op.carriesPayload() {
		f.Payload = make([]byte, PageSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, errors.Wrapf(ErrProtocolViolation, "short %s payload: %v", f.Op, err)
		}
	}
	return f, nil
}
