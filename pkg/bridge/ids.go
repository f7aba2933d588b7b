// Copyright 2025-2026 Aiku AI

package bridge

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// MakeJID converts a phone number in loose human form ("+1 (555) 010-4477")
// into a WhatsApp user JID. Everything except digits and one leading + is
// stripped. Inputs that already contain an @ are parsed as literal JIDs so
// full addresses (including group JIDs) pass through unchanged. ok is false
// when nothing usable remains.
func MakeJID(phone string) (types.JID, bool) {
	phone = strings.TrimSpace(phone)
	if strings.ContainsRune(phone, '@') {
		jid, err := types.ParseJID(phone)
		if err != nil || jid.User == "" {
			return types.EmptyJID, false
		}
		return jid, true
	}
	phone = strings.TrimPrefix(phone, "+")
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return types.EmptyJID, false
	}
	return types.NewJID(digits.String(), types.DefaultUserServer), true
}

// ParsePhone extracts the canonical +digits phone form from a user JID,
// ignoring any device part. ok is false for non-user servers or JIDs whose
// local part is not a plain number.
func ParsePhone(jid types.JID) (string, bool) {
	if jid.Server != types.DefaultUserServer || jid.User == "" {
		return "", false
	}
	for _, r := range jid.User {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return "+" + jid.User, true
}
