// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a WhatsApp sidecar for a host process that
// speaks newline-delimited JSON over stdio: commands in on stdin, events
// out on stdout, diagnostics on stderr.
//
// The key differentiator of this bridge is disconnect classification: the
// whatsmeow event space is mapped onto a closed set of recovery policies
// instead of a single generic retry rule. A remote logout is terminal and
// clears credentials, a server-requested stream restart resumes silently
// after a short delay without issuing a second QR code, and transient
// losses retry after a longer delay.
//
// # Core Types
//
// [Bridge] is the session loop. It owns the connection state machine and
// serializes stdin commands, whatsmeow notifications and retry timers
// through a single goroutine, so session state needs no locks.
//
// [Dispatcher] reads command lines from stdin, answers malformed ones with
// error events and feeds the rest to the Bridge in arrival order.
//
// [Emitter] is the only writer of the stdout stream. Every event is one
// JSON object of the form {"event": ..., "data": ...} followed by a
// newline.
//
// [CredentialStore] wraps the whatsmeow sqlstore container and decides
// whether a start resumes an existing session or pairs a new one.
package bridge
