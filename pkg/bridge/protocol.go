// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"encoding/json"
	"fmt"
)

// CommandName tags one request read from stdin.
type CommandName string

const (
	CmdLogin    CommandName = "login"
	CmdLogout   CommandName = "logout"
	CmdStatus   CommandName = "status"
	CmdSend     CommandName = "send"
	CmdShutdown CommandName = "shutdown"
)

// EventName tags one event written to stdout.
type EventName string

const (
	EventQR           EventName = "qr"
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
	EventMessage      EventName = "message"
	EventSent         EventName = "sent"
	EventError        EventName = "error"
	EventStatus       EventName = "status"
)

// ErrorCode classifies error events for the host.
type ErrorCode string

const (
	CodeParseError    ErrorCode = "PARSE_ERROR"
	CodeUnknownCmd    ErrorCode = "UNKNOWN_CMD"
	CodeInvalidParams ErrorCode = "INVALID_PARAMS"
	CodeNotConnected  ErrorCode = "NOT_CONNECTED"
	CodeSendError     ErrorCode = "SEND_ERROR"
	CodeQRError       ErrorCode = "QR_ERROR"
	CodeInitError     ErrorCode = "INIT_ERROR"
)

// DisconnectReason is the closed classification of why a connection ended.
// The network client reports causes as an open set of codes; they are mapped
// into this set at the client boundary and nothing downstream branches on
// raw codes.
type DisconnectReason string

const (
	// ReasonLoggedOut means the server invalidated the credentials, usually
	// because the user unlinked the device from their phone.
	ReasonLoggedOut DisconnectReason = "logged_out"
	// ReasonRestartRequired means the credentials were just accepted and the
	// connection must be torn down and re-established, without new pairing.
	ReasonRestartRequired DisconnectReason = "restartRequired"
	ReasonConnClosed      DisconnectReason = "connectionClosed"
	ReasonConnLost        DisconnectReason = "connectionLost"
	ReasonTimedOut        DisconnectReason = "timedOut"
	ReasonReplaced        DisconnectReason = "connectionReplaced"
	// ReasonLogout marks a disconnect caused by a local logout command.
	ReasonLogout  DisconnectReason = "logout"
	ReasonUnknown DisconnectReason = "unknown"
)

// Terminal reports whether the reason ends the session for good. Terminal
// reasons never schedule a reconnect.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut || r == ReasonLogout
}

// Command is one decoded stdin request. To and Text are only set for send.
type Command struct {
	Name CommandName
	To   string
	Text string
}

// CommandError is a protocol-level rejection of an input line, carrying the
// error code reported back to the host.
type CommandError struct {
	Code    ErrorCode
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// rawCommand mirrors the wire form of a command line.
type rawCommand struct {
	Cmd  string `json:"cmd"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// DecodeCommand parses and validates one input line. The returned
// *CommandError distinguishes malformed JSON, unknown command tags and
// missing required fields; exactly one of the results is set.
func DecodeCommand(line []byte) (Command, *CommandError) {
	var raw rawCommand
	if err := json.Unmarshal(line, &raw); err != nil {
		return Command{}, &CommandError{Code: CodeParseError, Message: "Invalid JSON: " + err.Error()}
	}
	switch CommandName(raw.Cmd) {
	case CmdLogin, CmdLogout, CmdStatus, CmdShutdown:
		return Command{Name: CommandName(raw.Cmd)}, nil
	case CmdSend:
		if raw.To == "" || raw.Text == "" {
			return Command{}, &CommandError{Code: CodeInvalidParams, Message: `Missing "to" or "text"`}
		}
		return Command{Name: CmdSend, To: raw.To, Text: raw.Text}, nil
	default:
		return Command{}, &CommandError{Code: CodeUnknownCmd, Message: fmt.Sprintf("Unknown command: %q", raw.Cmd)}
	}
}

// eventEnvelope is the wire frame for every stdout line.
type eventEnvelope struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

// StatusData is the payload of status and connected events; the host decodes
// both into the same shape. JID stays null until a session is connected, and
// Shutdown is only set on the final status before exit.
type StatusData struct {
	Connected bool    `json:"connected"`
	JID       *string `json:"jid"`
	Phone     string  `json:"phone,omitempty"`
	Name      string  `json:"name,omitempty"`
	Shutdown  bool    `json:"shutdown,omitempty"`
}

// QRData carries one pairing challenge as a PNG data URL for the host to
// display.
type QRData struct {
	QR string `json:"qr"`
}

// DisconnectedData describes why the session ended and whether the bridge is
// retrying on its own. StatusCode passes through the raw cause code when the
// client supplied one.
type DisconnectedData struct {
	Reason     DisconnectReason `json:"reason"`
	StatusCode int              `json:"statusCode,omitempty"`
	Retrying   bool             `json:"retrying,omitempty"`
}

// MessageData is one inbound text message. From is the sender in +digits
// form where possible, JID the full network address.
type MessageData struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	JID       string `json:"jid"`
}

// SentData acknowledges one outbound message. To echoes the target exactly
// as the host sent it so the two can be correlated.
type SentData struct {
	To        string `json:"to"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorData reports a recoverable failure.
type ErrorData struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}
