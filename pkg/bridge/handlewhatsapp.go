// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"strconv"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// streamErrRestartRequired is the stream error the server sends when the
// connection must be recreated, notably right after QR pairing succeeds.
const streamErrRestartRequired = 515

// handleEvent translates whatsmeow callbacks into loop notifications. It
// runs on whatsmeow's dispatch goroutine and must not touch Bridge state
// directly.
func (s *waSession) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		var jid types.JID
		if s.cli.Store.ID != nil {
			jid = *s.cli.Store.ID
		}
		s.emit(openedNotif{gen: s.gen, jid: jid, name: s.cli.Store.PushName})
	case *events.PairSuccess:
		s.log.Info().Stringer("jid", evt.ID).Msg("Paired with phone")
	case *events.Message:
		text := extractText(evt.Message)
		if evt.Info.IsFromMe || text == "" {
			return
		}
		s.emit(messageNotif{
			gen:    s.gen,
			id:     string(evt.Info.ID),
			sender: evt.Info.Sender,
			text:   text,
			ts:     evt.Info.Timestamp,
		})
	case *events.KeepAliveTimeout:
		s.log.Warn().Int("error_count", evt.ErrorCount).Msg("Keepalive timing out")
	default:
		if reason, code, ok := classifyDisconnect(raw); ok {
			s.log.Debug().Str("reason", string(reason)).Int("code", code).Msg("Connection-ending event")
			s.emit(closedNotif{gen: s.gen, reason: reason, code: code})
		}
	}
}

// classifyDisconnect maps the open set of whatsmeow connection-ending events
// onto the closed DisconnectReason set. ok is false when the event is not a
// disconnect at all.
func classifyDisconnect(raw any) (reason DisconnectReason, code int, ok bool) {
	switch evt := raw.(type) {
	case *events.LoggedOut:
		return ReasonLoggedOut, int(evt.Reason), true
	case *events.StreamReplaced:
		return ReasonReplaced, 440, true
	case *events.TemporaryBan:
		return ReasonUnknown, int(evt.Code), true
	case *events.ClientOutdated:
		return ReasonUnknown, 405, true
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return ReasonLoggedOut, int(evt.Reason), true
		}
		return ReasonUnknown, int(evt.Reason), true
	case *events.StreamError:
		code, _ := strconv.Atoi(evt.Code)
		if code == streamErrRestartRequired {
			return ReasonRestartRequired, code, true
		}
		return ReasonUnknown, code, true
	case *events.Disconnected:
		return ReasonConnClosed, 0, true
	default:
		return "", 0, false
	}
}

// extractText pulls the plain text body out of a message, if any.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}
