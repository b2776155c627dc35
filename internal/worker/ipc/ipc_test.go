package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte(`{"id":"1"}`),
		{},
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("drained buffer returned %v, want io.EOF", err)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadFrameRejectsOversizeHeader(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxMessageSize+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadFramePartialFrameIsConnectionClosed(t *testing.T) {
	// Header promising 100 bytes with only 3 available.
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("abc")

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("truncated payload returned %v", err)
	}

	// EOF inside the header itself.
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("truncated header returned %v", err)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{ID: "r1", Type: TypeExecute, Payload: json.RawMessage(`{"prompt":"hi"}`)}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.ID != "r1" || got.Type != TypeExecute || string(got.Payload) != `{"prompt":"hi"}` {
		t.Fatalf("request round trip: %+v", got)
	}

	if err := WriteResponse(&buf, OK("r1", map[string]int{"pid": 7})); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	resp, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !resp.Success || resp.ID != "r1" {
		t.Fatalf("response round trip: %+v", resp)
	}
	var data map[string]int
	if err := json.Unmarshal(resp.Data, &data); err != nil || data["pid"] != 7 {
		t.Fatalf("data = %s (%v)", resp.Data, err)
	}
}

func TestReadRequestRejectsMalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("{not json")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadRequest(&buf); err == nil {
		t.Fatal("malformed request accepted")
	}
}

func TestFailResponse(t *testing.T) {
	resp := Fail("r2", "no such task")
	if resp.Success || resp.Error != "no such task" || resp.ID != "r2" {
		t.Fatalf("Fail = %+v", resp)
	}
}
