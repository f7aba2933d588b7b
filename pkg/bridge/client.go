// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// session is the Bridge's handle to one connection attempt. At most one
// session is live at a time; the Bridge closes the previous one before
// creating the next.
type session interface {
	Connect() error
	Close()
	Logout(ctx context.Context) error
	Send(ctx context.Context, to types.JID, text string) (id string, ts time.Time, err error)
}

// sessionFactory creates a fresh session for the given generation. Tests
// swap this out to drive the state machine with synthetic notifications.
type sessionFactory func(ctx context.Context, gen uint64, wantQR bool) (session, error)

// notif is a notification pushed by a session into the Bridge loop. The gen
// field ties it to the session generation that produced it, so stragglers
// from an already replaced session are dropped instead of corrupting state.
type notif interface {
	notifGen() uint64
}

// qrNotif carries one rendered pairing code.
type qrNotif struct {
	gen     uint64
	dataURL string
}

// openedNotif reports a successful connect together with the session
// identity.
type openedNotif struct {
	gen  uint64
	jid  types.JID
	name string
}

// closedNotif reports a dead connection with its classified cause.
type closedNotif struct {
	gen    uint64
	reason DisconnectReason
	code   int
}

// messageNotif is one inbound text message.
type messageNotif struct {
	gen    uint64
	id     string
	sender types.JID
	text   string
	ts     time.Time
}

// errNotif surfaces a recoverable session error that is not a disconnect.
type errNotif struct {
	gen  uint64
	code ErrorCode
	msg  string
}

func (n qrNotif) notifGen() uint64      { return n.gen }
func (n openedNotif) notifGen() uint64  { return n.gen }
func (n closedNotif) notifGen() uint64  { return n.gen }
func (n messageNotif) notifGen() uint64 { return n.gen }
func (n errNotif) notifGen() uint64     { return n.gen }

// waSession wraps one *whatsmeow.Client. Auto-reconnect is disabled; every
// recovery decision belongs to the Bridge loop.
type waSession struct {
	cli    *whatsmeow.Client
	ctx    context.Context
	gen    uint64
	wantQR bool
	sink   chan<- notif
	log    zerolog.Logger
}

var _ session = (*waSession)(nil)

func newWASession(ctx context.Context, creds credentials, cfg *Config, gen uint64, wantQR bool, sink chan<- notif, log zerolog.Logger) (*waSession, error) {
	device, err := creds.Device(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}
	log = log.With().Str("component", "whatsmeow").Uint64("conn_gen", gen).Logger()
	cli := whatsmeow.NewClient(device, waLog.Zerolog(log))
	cli.EnableAutoReconnect = false
	s := &waSession{
		cli:    cli,
		ctx:    ctx,
		gen:    gen,
		wantQR: wantQR,
		sink:   sink,
		log:    log,
	}
	cli.AddEventHandler(s.handleEvent)
	return s, nil
}

// emit hands a notification to the Bridge loop without ever blocking the
// whatsmeow dispatch goroutine. The loop drains quickly; if the channel is
// somehow full the notification is dropped and logged.
func (s *waSession) emit(n notif) {
	select {
	case s.sink <- n:
	default:
		s.log.Warn().Type("notif", n).Msg("Notification channel full, dropping")
	}
}

// Connect dials the socket. With wantQR the pairing channel is opened first
// (whatsmeow requires that before dialing) and codes are forwarded until the
// scan succeeds or the codes run out.
func (s *waSession) Connect() error {
	if s.wantQR && s.cli.Store.ID == nil {
		qrChan, err := s.cli.GetQRChannel(s.ctx)
		switch {
		case err == nil:
			go s.forwardQR(qrChan)
		case errors.Is(err, whatsmeow.ErrQRStoreContainsID):
			s.log.Debug().Msg("Device already registered, skipping QR channel")
		default:
			return fmt.Errorf("open qr channel: %w", err)
		}
	}
	return s.cli.Connect()
}

func (s *waSession) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			png, err := qrcode.Encode(item.Code, qrcode.Medium, 512)
			if err != nil {
				s.log.Err(err).Msg("Failed to render QR code")
				s.emit(errNotif{gen: s.gen, code: CodeQRError, msg: "Failed to render QR code: " + err.Error()})
				continue
			}
			s.emit(qrNotif{gen: s.gen, dataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)})
		case whatsmeow.QRChannelEventError:
			s.log.Err(item.Error).Msg("QR pairing failed")
			s.emit(errNotif{gen: s.gen, code: CodeQRError, msg: "Pairing failed: " + item.Error.Error()})
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Info().Msg("QR scan succeeded")
		default:
			// Timeouts and the like also close the socket, so recovery is
			// handled on the close path.
			s.log.Debug().Str("qr_event", item.Event).Msg("QR channel ended")
		}
	}
}

// Close removes event handlers before disconnecting so no notification for
// this generation can arrive after the Bridge has moved on.
func (s *waSession) Close() {
	s.cli.RemoveEventHandlers()
	s.cli.Disconnect()
}

// Logout unlinks the device on the server side. whatsmeow clears the device
// store itself on success; the Bridge clears again afterwards, which is
// idempotent.
func (s *waSession) Logout(ctx context.Context) error {
	s.cli.RemoveEventHandlers()
	return s.cli.Logout(ctx)
}

// Send delivers one text message and returns the server-assigned message ID
// and timestamp.
func (s *waSession) Send(ctx context.Context, to types.JID, text string) (string, time.Time, error) {
	resp, err := s.cli.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", time.Time{}, err
	}
	return string(resp.ID), resp.Timestamp, nil
}
