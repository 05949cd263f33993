package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Deadlines applied to every frame.
const (
	WriteWait = 10 * time.Second
	ReadWait  = 5 * time.Minute
)

// ManualDisconnectReason accompanies close code 1000 on an intentional close.
const ManualDisconnectReason = "Manual disconnect"

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return conn.WriteJSON(v)
}

// Write stamps msg with the current time and sends it.
func Write(conn *websocket.Conn, msg Message) error {
	msg.Timestamp = Timestamp(time.Now())
	return WriteTyped(conn, msg)
}

// WriteError sends a typed error frame over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string, recoverable bool) error {
	return Write(conn, Message{
		Type: TypeError,
		Data: ErrorData{Error: errMsg, Recoverable: &recoverable},
	})
}

// WriteClose sends a close frame with the given code and reason.
func WriteClose(conn *websocket.Conn, code int, reason string) error {
	return conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(WriteWait),
	)
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	return conn.ReadJSON(v)
}
