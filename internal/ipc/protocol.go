// Package ipc implements the consume runner's control socket: a local
// unix stream socket carrying length-prefixed JSON messages, grounded on
// the teacher's websocket hub (internal/orchestrator/streaming) but
// reworked for a raw framed socket instead of a websocket upgrade.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType identifies the envelope's payload.
type MessageType string

const (
	TypeStatus   MessageType = "status"
	TypePause    MessageType = "pause"
	TypeResume   MessageType = "resume"
	TypeShutdown MessageType = "shutdown"
	TypeSnapshot MessageType = "snapshot"
	TypeMute     MessageType = "mute"
	TypeOK       MessageType = "ok"
	TypeError    MessageType = "error"
)

// isBrowserType reports whether t is a "browser.*" opaque request forwarded
// to the browser daemon rather than handled by the core dispatch table.
func isBrowserType(t MessageType) bool {
	return len(t) > len("browser.") && string(t)[:len("browser.")] == "browser."
}

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type       MessageType     `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	InstanceID string          `json:"instance_id"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of a TypeError reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const maxFrameBytes = 16 * 1024 * 1024

// readFrame reads one 4-byte-big-endian-length-prefixed JSON message.
func readFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return Envelope{}, fmt.Errorf("ipc: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return env, nil
}

// writeFrame writes env as a length-prefixed JSON message.
func writeFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func okReply(instanceID, requestID string, payload interface{}) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		Type:       TypeOK,
		Timestamp:  time.Now(),
		InstanceID: instanceID,
		RequestID:  requestID,
		Payload:    raw,
	}
}

func errorReply(instanceID, requestID, code, message string) Envelope {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{
		Type:       TypeError,
		Timestamp:  time.Now(),
		InstanceID: instanceID,
		RequestID:  requestID,
		Payload:    raw,
	}
}
