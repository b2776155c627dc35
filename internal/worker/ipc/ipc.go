// Package ipc defines the daemon wire protocol: length-prefixed JSON frames
// carrying correlated request/response envelopes.
//
// Frame layout: a 4-byte big-endian payload length followed by the payload.
// Payloads above MaxMessageSize are rejected on both ends.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame's payload (16 MiB).
const MaxMessageSize = 16 << 20

var (
	// ErrMessageTooLarge is returned for frames above MaxMessageSize.
	ErrMessageTooLarge = errors.New("ipc: message exceeds maximum size")

	// ErrConnectionClosed is returned when the peer disappears mid-frame.
	ErrConnectionClosed = errors.New("ipc: connection closed mid-frame")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame. A clean EOF at a frame boundary returns io.EOF;
// an EOF inside a frame returns ErrConnectionClosed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return payload, nil
}

// RequestType enumerates the daemon operations.
type RequestType string

const (
	TypePing          RequestType = "ping"
	TypeCreateSession RequestType = "create_session"
	TypeGetSession    RequestType = "get_session"
	TypeListSessions  RequestType = "list_sessions"
	TypeDeleteSession RequestType = "delete_session"
	TypeCreateTask    RequestType = "create_task"
	TypeGetTask       RequestType = "get_task"
	TypeListTasks     RequestType = "list_tasks"
	TypeExecute       RequestType = "execute"
	TypeGetStatus     RequestType = "get_status"
	TypeGetOutput     RequestType = "get_output"
	TypeCancel        RequestType = "cancel"
	TypeShutdown      RequestType = "shutdown"
)

// Request is the client -> daemon envelope. Payload holds the type-specific
// body.
type Request struct {
	ID      string          `json:"id"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the daemon -> client envelope, correlated by Request.ID.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WriteRequest marshals and frames a request.
func WriteRequest(w io.Writer, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and unmarshals one request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("ipc: malformed request: %w", err)
	}
	return &req, nil
}

// WriteResponse marshals and frames a response.
func WriteResponse(w io.Writer, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and unmarshals one response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("ipc: malformed response: %w", err)
	}
	return &resp, nil
}

// OK builds a success response with the marshaled data.
func OK(id string, data any) *Response {
	resp := &Response{ID: id, Success: true}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Fail(id, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = b
	}
	return resp
}

// Fail builds an error response.
func Fail(id, message string) *Response {
	return &Response{ID: id, Success: false, Error: message}
}
