// Package streaming holds the two persistent hub connections (market data,
// user account events) the gateway keeps open against the broker.
package streaming

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// recordSeparator terminates each hub message, matching the invocation
// framing the broker's streaming hubs use.
const recordSeparator = byte(0x1e)

// hubMessage is an outbound method invocation or inbound event.
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

const invocationType = 1

func mustArg(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// writeHandshake performs the hub protocol handshake: a protocol
// announcement followed by the server's empty acknowledgement.
func writeHandshake(conn *websocket.Conn) error {
	handshake := struct {
		Protocol string `json:"protocol"`
		Version  int    `json:"version"`
	}{"json", 1}
	if err := writeFramed(conn, handshake); err != nil {
		return fmt.Errorf("handshake send: %w", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return fmt.Errorf("handshake ack: %w", err)
	}
	return nil
}

func writeFramed(conn *websocket.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	body = append(body, recordSeparator)
	return conn.WriteMessage(websocket.TextMessage, body)
}

// invoke sends a method invocation with the given arguments.
func invoke(conn *websocket.Conn, target string, args ...any) error {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = mustArg(a)
	}
	return writeFramed(conn, hubMessage{Type: invocationType, Target: target, Arguments: raw})
}

// splitFrames splits a raw websocket payload on the record separator into
// individual hub messages, skipping empty frames (e.g. a trailing RS).
func splitFrames(raw []byte) []hubMessage {
	parts := bytes.Split(raw, []byte{recordSeparator})
	out := make([]hubMessage, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) == 0 {
			continue
		}
		var m hubMessage
		if err := json.Unmarshal(p, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
