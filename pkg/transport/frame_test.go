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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// TestFrameByteLayout pins the wire encoding: little-endian request id,
// one op byte, little-endian page number, page payload only on DATA ops.
func TestFrameByteLayout(t *testing.T) {
	f := &Frame{
		RequestID: 0x0102030405060708,
		Op:        OpFetchReq,
		Page:      0x1122334455667788,
	}

	buf, err := f.Encode(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // request_id LE
		0x01,                                           // FETCH_REQ
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // page_number LE
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire layout mismatch:\n got  %#v\n want %#v", buf, want)
	}
}

func TestFrameRoundtrip(t *testing.T) {
	payload := make([]byte, PageSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	tcases := []struct {
		name  string
		frame Frame
	}{
		{name: "fetch request", frame: Frame{RequestID: 1, Op: OpFetchReq, Page: 42}},
		{name: "fetch response", frame: Frame{RequestID: 1, Op: OpFetchResp, Page: 42, Payload: payload}},
		{name: "push", frame: Frame{RequestID: 7, Op: OpPush, Page: 9, Payload: payload}},
		{name: "push ack", frame: Frame{RequestID: 7, Op: OpPushAck, Page: 9}},
		{name: "ping", frame: Frame{RequestID: 3, Op: OpPing}},
		{name: "pong", frame: Frame{RequestID: 3, Op: OpPong}},
		{name: "error", frame: Frame{RequestID: 9, Op: OpError, Page: 42}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, &tc.frame); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if diff := cmp.Diff(&tc.frame, got); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameValidation(t *testing.T) {
	// payload on a non-DATA op
	bad := &Frame{Op: OpFetchReq, Payload: make([]byte, PageSize)}
	if _, err := bad.Encode(nil); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for payload on FETCH_REQ, got %v", err)
	}

	// short payload on a DATA op
	short := &Frame{Op: OpFetchResp, Payload: make([]byte, 100)}
	if _, err := short.Encode(nil); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for short payload, got %v", err)
	}

	// invalid op byte on the wire
	raw := make([]byte, headerSize)
	raw[8] = 0x7f
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for invalid op, got %v", err)
	}

	// truncated DATA payload
	resp := &Frame{Op: OpFetchResp, Page: 1, Payload: make([]byte, PageSize)}
	encoded, err := resp.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFrame(bytes.NewReader(encoded[:headerSize+10])); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation for truncated payload, got %v", err)
	}
}
