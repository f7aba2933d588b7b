// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/whatsmeow/types"
)

// logoutTimeout bounds the best-effort server-side unlink during logout.
const logoutTimeout = 10 * time.Second

// ConnState is the lifecycle state of the single WhatsApp session.
type ConnState int

const (
	// StateIdle means no session was ever attempted and no credentials exist.
	StateIdle ConnState = iota
	// StatePairing means a QR code has been or is about to be issued.
	StatePairing
	// StateResuming means a connect with stored credentials is in flight; no
	// QR is shown.
	StateResuming
	// StateConnected means the session is live.
	StateConnected
	// StateReconnecting means a close was classified recoverable and a retry
	// timer is armed.
	StateReconnecting
	// StateLoggedOut is terminal: the credentials were rejected or revoked
	// and have been cleared. Only a login command leaves this state.
	StateLoggedOut
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePairing:
		return "pairing"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "invalid"
	}
}

// Bridge owns the session lifecycle. All fields below the channels are
// confined to the Run goroutine; commands and network notifications are
// serialized through the same select loop, so no locks are needed.
type Bridge struct {
	cfg *Config
	out *Emitter
	log zerolog.Logger

	cmds   chan Command
	notifs chan notif
	retryC chan struct{}

	openCreds  func(ctx context.Context) (credentials, error)
	newSession sessionFactory

	creds      credentials
	state      ConnState
	sess       session
	gen        uint64
	dialing    bool
	retryTimer *time.Timer
	jid        types.JID
	name       string
}

// New wires a Bridge around the real credential store and whatsmeow
// sessions.
func New(cfg *Config, log zerolog.Logger, out *Emitter) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		out:    out,
		log:    log.With().Str("component", "session").Logger(),
		cmds:   make(chan Command, 16),
		notifs: make(chan notif, 256),
		retryC: make(chan struct{}, 1),
	}
	b.openCreds = func(ctx context.Context) (credentials, error) {
		return OpenCredentialStore(ctx, cfg.AuthDir, log)
	}
	b.newSession = func(ctx context.Context, gen uint64, wantQR bool) (session, error) {
		return newWASession(ctx, b.creds, b.cfg, gen, wantQR, b.notifs, log)
	}
	return b
}

// Commands returns the channel the dispatcher feeds. Commands are handled
// strictly in arrival order.
func (b *Bridge) Commands() chan<- Command {
	return b.cmds
}

// Run drives the session until a shutdown command or context cancellation
// (the dispatcher injects a shutdown on stdin EOF). The first emitted event
// is always a status snapshot; when credentials exist a silent resume starts
// immediately, without waiting for a login command.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.closeCreds()
	b.emitStatus(false)
	if creds := b.ensureCreds(ctx); creds != nil && creds.Exists(ctx) {
		b.connect(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			b.finish()
			return nil
		case cmd := <-b.cmds:
			if cmd.Name == CmdShutdown {
				b.log.Info().Msg("Shutdown command received")
				b.finish()
				return nil
			}
			b.handleCommand(ctx, cmd)
		case n := <-b.notifs:
			b.handleNotif(ctx, n)
		case <-b.retryC:
			b.retryTimer = nil
			b.connect(ctx)
		}
	}
}

func (b *Bridge) handleCommand(ctx context.Context, cmd Command) {
	b.log.Debug().Str("cmd", string(cmd.Name)).Stringer("state", b.state).Msg("Handling command")
	switch cmd.Name {
	case CmdStatus:
		b.emitStatus(false)
	case CmdLogin:
		b.handleLogin(ctx)
	case CmdLogout:
		b.handleLogout(ctx)
	case CmdSend:
		b.handleSend(ctx, cmd)
	}
}

// handleLogin is idempotent while connected; otherwise it cancels any armed
// retry and starts an attempt right away. Whether that attempt pairs or
// resumes depends only on whether credentials are stored.
func (b *Bridge) handleLogin(ctx context.Context) {
	if b.state == StateConnected {
		b.out.Emit(EventConnected, b.statusData(false))
		return
	}
	b.cancelRetry()
	b.connect(ctx)
}

// handleLogout always clears credentials and always emits the logout
// disconnect, even when nothing was live. The server-side unlink is best
// effort and runs off-loop.
func (b *Bridge) handleLogout(ctx context.Context) {
	b.cancelRetry()
	if b.sess != nil {
		s := b.sess
		b.sess = nil
		go func() {
			lctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
			defer cancel()
			if err := s.Logout(lctx); err != nil {
				b.log.Err(err).Msg("Server-side logout failed")
			}
			s.Close()
		}()
	}
	b.dialing = false
	b.gen++
	if creds := b.ensureCreds(ctx); creds != nil {
		if err := creds.Clear(ctx); err != nil {
			b.log.Err(err).Msg("Failed to clear credentials")
		}
	}
	b.jid = types.EmptyJID
	b.name = ""
	b.state = StateLoggedOut
	b.out.Emit(EventDisconnected, DisconnectedData{Reason: ReasonLogout})
}

// handleSend validates against current state and then runs the network call
// off-loop; a slow send must not delay notifications or further commands.
func (b *Bridge) handleSend(ctx context.Context, cmd Command) {
	if b.state != StateConnected || b.sess == nil {
		b.out.EmitError(CodeNotConnected, "Not connected")
		return
	}
	to, ok := MakeJID(cmd.To)
	if !ok {
		b.out.EmitError(CodeSendError, fmt.Sprintf("Invalid recipient %q", cmd.To))
		return
	}
	s := b.sess
	timeout := b.cfg.SendTimeout.Duration
	go func() {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		id, ts, err := s.Send(sctx, to, cmd.Text)
		if err != nil {
			b.log.Err(err).Str("to", cmd.To).Msg("Send failed")
			b.out.EmitError(CodeSendError, "Failed to send message: "+err.Error())
			return
		}
		b.out.Emit(EventSent, SentData{To: cmd.To, ID: id, Timestamp: ts.Unix()})
	}()
}

func (b *Bridge) handleNotif(ctx context.Context, n notif) {
	if n.notifGen() != b.gen {
		b.log.Debug().Uint64("notif_gen", n.notifGen()).Uint64("conn_gen", b.gen).Msg("Dropping notification from replaced session")
		return
	}
	switch n := n.(type) {
	case qrNotif:
		b.out.Emit(EventQR, QRData{QR: n.dataURL})
	case errNotif:
		b.out.EmitError(n.code, n.msg)
	case openedNotif:
		b.dialing = false
		b.state = StateConnected
		b.jid = n.jid
		b.name = n.name
		b.log.Info().Stringer("jid", n.jid).Str("push_name", n.name).Msg("Connected")
		b.out.Emit(EventConnected, b.statusData(false))
	case messageNotif:
		from, ok := ParsePhone(n.sender)
		if !ok {
			from = n.sender.String()
		}
		b.out.Emit(EventMessage, MessageData{
			ID:        n.id,
			From:      from,
			Text:      n.text,
			Timestamp: n.ts.Unix(),
			JID:       n.sender.String(),
		})
	case closedNotif:
		b.handleClosed(ctx, n)
	}
}

// handleClosed applies the recovery policy for one classified disconnect:
// terminal for logged-out, a short delay before resuming when the server
// asked for a restart, a longer delay for everything else.
func (b *Bridge) handleClosed(ctx context.Context, n closedNotif) {
	if b.sess == nil && !b.dialing {
		// One socket death can surface as several close events.
		b.log.Debug().Str("reason", string(n.reason)).Msg("Session already torn down, ignoring close")
		return
	}
	b.dialing = false
	b.closeSession()
	b.jid = types.EmptyJID
	b.name = ""
	b.log.Info().Str("reason", string(n.reason)).Int("status_code", n.code).Msg("Disconnected")
	if n.reason.Terminal() {
		if creds := b.ensureCreds(ctx); creds != nil {
			if err := creds.Clear(ctx); err != nil {
				b.log.Err(err).Msg("Failed to clear credentials")
			}
		}
		b.state = StateLoggedOut
		b.out.Emit(EventDisconnected, DisconnectedData{Reason: n.reason, StatusCode: n.code})
		return
	}
	b.out.Emit(EventDisconnected, DisconnectedData{Reason: n.reason, StatusCode: n.code, Retrying: true})
	if n.reason == ReasonRestartRequired {
		b.scheduleRetry(b.cfg.Reconnect.RestartDelay.Duration)
	} else {
		b.scheduleRetry(b.cfg.Reconnect.RetryDelay.Duration)
	}
}

// connect tears down whatever is live and starts one fresh attempt. The
// dialing flag makes concurrent triggers no-ops, so two reconnect
// notifications can never produce two sockets.
func (b *Bridge) connect(ctx context.Context) {
	if b.dialing {
		b.log.Debug().Msg("Connect already in flight, ignoring")
		return
	}
	creds := b.ensureCreds(ctx)
	if creds == nil {
		b.state = StateIdle
		return
	}
	b.closeSession()
	b.gen++
	wantQR := !creds.Exists(ctx)
	if wantQR {
		b.state = StatePairing
	} else {
		b.state = StateResuming
	}
	sess, err := b.newSession(ctx, b.gen, wantQR)
	if err != nil {
		b.log.Err(err).Msg("Failed to create session")
		b.out.EmitError(CodeInitError, "Failed to initialize session: "+err.Error())
		b.state = StateIdle
		return
	}
	b.sess = sess
	b.dialing = true
	b.log.Info().Uint64("conn_gen", b.gen).Bool("want_qr", wantQR).Msg("Connecting")
	go func(s session, gen uint64) {
		if err := s.Connect(); err != nil {
			b.log.Err(err).Uint64("conn_gen", gen).Msg("Dial failed")
			select {
			case b.notifs <- closedNotif{gen: gen, reason: ReasonConnLost}:
			case <-ctx.Done():
			}
		}
	}(sess, b.gen)
}

// scheduleRetry arms the reconnect timer. The timer callback only pokes
// retryC; the actual reconnect runs on the loop.
func (b *Bridge) scheduleRetry(d time.Duration) {
	b.cancelRetry()
	b.state = StateReconnecting
	b.log.Info().Dur("delay", d).Msg("Reconnect scheduled")
	b.retryTimer = time.AfterFunc(d, func() {
		select {
		case b.retryC <- struct{}{}:
		default:
		}
	})
}

func (b *Bridge) cancelRetry() {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	select {
	case <-b.retryC:
	default:
	}
}

// closeSession tears down the live handle, if any. Safe to call repeatedly.
func (b *Bridge) closeSession() {
	if b.sess == nil {
		return
	}
	b.sess.Close()
	b.sess = nil
}

func (b *Bridge) ensureCreds(ctx context.Context) credentials {
	if b.creds != nil {
		return b.creds
	}
	creds, err := b.openCreds(ctx)
	if err != nil {
		b.log.Err(err).Msg("Failed to open credential store")
		b.out.EmitError(CodeInitError, "Failed to open credential store: "+err.Error())
		return nil
	}
	b.creds = creds
	return creds
}

func (b *Bridge) closeCreds() {
	if b.creds == nil {
		return
	}
	if err := b.creds.Close(); err != nil {
		b.log.Err(err).Msg("Failed to close credential store")
	}
	b.creds = nil
}

// finish is the shutdown path shared by the shutdown command and context
// cancellation: cancel the timer, emit the final status, close the handle.
func (b *Bridge) finish() {
	b.cancelRetry()
	b.emitStatus(true)
	b.closeSession()
	b.dialing = false
	b.log.Info().Msg("Session loop stopped")
}

func (b *Bridge) statusData(shutdown bool) StatusData {
	data := StatusData{Connected: b.state == StateConnected, Shutdown: shutdown}
	if b.state == StateConnected && !b.jid.IsEmpty() {
		data.JID = ptr.Ptr(b.jid.String())
		if phone, ok := ParsePhone(b.jid); ok {
			data.Phone = phone
		}
		data.Name = b.name
	}
	return data
}

func (b *Bridge) emitStatus(shutdown bool) {
	b.out.Emit(EventStatus, b.statusData(shutdown))
}
