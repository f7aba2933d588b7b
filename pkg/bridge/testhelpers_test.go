// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
)

const waitTimeout = 5 * time.Second

var testJID = types.NewJID("15551234567", types.DefaultUserServer)

// rawEvent is one decoded stdout line.
type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// eventRecorder is an io.Writer that splits Emitter output into lines and
// hands them to tests as decoded events.
type eventRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	ch  chan rawEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan rawEvent, 256)}
}

func (r *eventRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	for {
		idx := bytes.IndexByte(r.buf.Bytes(), '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := make([]byte, idx+1)
		_, _ = r.buf.Read(line)
		var evt rawEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return len(p), err
		}
		r.ch <- evt
	}
}

// next returns the next emitted event, failing the test after a timeout.
func (r *eventRecorder) next(t *testing.T) rawEvent {
	t.Helper()
	select {
	case evt := <-r.ch:
		return evt
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
		return rawEvent{}
	}
}

// expect asserts the name of the next event and returns its decoded payload.
func (r *eventRecorder) expect(t *testing.T, event EventName) map[string]any {
	t.Helper()
	evt := r.next(t)
	if evt.Event != string(event) {
		t.Fatalf("expected %q event, got %q (data %s)", event, evt.Event, evt.Data)
	}
	var data map[string]any
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("failed to decode %s payload: %v", event, err)
	}
	return data
}

// expectError asserts that the next event is an error with the given code
// and returns its message.
func (r *eventRecorder) expectError(t *testing.T, code ErrorCode) string {
	t.Helper()
	data := r.expect(t, EventError)
	if got := data["code"]; got != string(code) {
		t.Fatalf("expected error code %q, got %v (message %v)", code, got, data["message"])
	}
	msg, _ := data["message"].(string)
	return msg
}

// expectNone asserts that nothing is emitted for a short while.
func (r *eventRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case evt := <-r.ch:
		t.Fatalf("expected no event, got %q (data %s)", evt.Event, evt.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeCreds is an in-memory credentials implementation.
type fakeCreds struct {
	mu       sync.Mutex
	exists   bool
	clearErr error
	clears   int
	closed   bool
}

var _ credentials = (*fakeCreds)(nil)

func (f *fakeCreds) Exists(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *fakeCreds) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.exists = false
	return nil
}

func (f *fakeCreds) Device(context.Context) (*store.Device, error) {
	return nil, nil
}

func (f *fakeCreds) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCreds) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeCreds) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeSession stands in for a live whatsmeow connection. The loop only ever
// talks to it through the session interface; tests drive state transitions
// by injecting notifications tagged with the session's generation.
type fakeSession struct {
	gen    uint64
	wantQR bool

	mu         sync.Mutex
	connectErr error
	sendID     string
	sendTS     time.Time
	sendErr    error
	sentTo     []types.JID
	sentText   []string
	closes     int
	logouts    int
}

var _ session = (*fakeSession)(nil)

func (f *fakeSession) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSession) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeSession) Send(_ context.Context, to types.JID, text string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", time.Time{}, f.sendErr
	}
	f.sentTo = append(f.sentTo, to)
	f.sentText = append(f.sentText, text)
	return f.sendID, f.sendTS, nil
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeSession) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeSession) lastSent() (types.JID, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sentTo) == 0 {
		return types.EmptyJID, "", false
	}
	return f.sentTo[len(f.sentTo)-1], f.sentText[len(f.sentText)-1], true
}

// testBridge runs a Bridge loop against fakes and records its output.
type testBridge struct {
	t        *testing.T
	b        *Bridge
	rec      *eventRecorder
	creds    *fakeCreds
	sessions chan *fakeSession

	mu      sync.Mutex
	openErr error

	cancel       context.CancelFunc
	done         chan error
	exitConsumed bool
}

// buildTestBridge wires a Bridge with fast retry delays, fake credentials
// and a factory that hands out fake sessions, without starting the loop.
func buildTestBridge(t *testing.T, haveCreds bool) *testBridge {
	t.Helper()
	cfg := &Config{
		AuthDir:     t.TempDir(),
		DeviceName:  "test-bridge",
		SendTimeout: Duration{5 * time.Second},
		Reconnect: ReconnectConfig{
			RestartDelay: Duration{5 * time.Millisecond},
			RetryDelay:   Duration{10 * time.Millisecond},
		},
	}
	log := zerolog.Nop()
	tb := &testBridge{
		t:        t,
		rec:      newEventRecorder(),
		creds:    &fakeCreds{exists: haveCreds},
		sessions: make(chan *fakeSession, 8),
	}
	tb.b = New(cfg, log, NewEmitter(tb.rec, log))
	tb.b.openCreds = func(context.Context) (credentials, error) {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		if tb.openErr != nil {
			return nil, tb.openErr
		}
		return tb.creds, nil
	}
	tb.b.newSession = func(_ context.Context, gen uint64, wantQR bool) (session, error) {
		s := &fakeSession{gen: gen, wantQR: wantQR}
		tb.sessions <- s
		return s, nil
	}
	return tb
}

// start launches the loop. Cleanup stops it.
func (tb *testBridge) start() *testBridge {
	ctx, cancel := context.WithCancel(context.Background())
	tb.cancel = cancel
	tb.done = make(chan error, 1)
	go func() {
		tb.done <- tb.b.Run(ctx)
	}()
	tb.t.Cleanup(tb.stop)
	return tb
}

// newTestBridge is buildTestBridge plus start.
func newTestBridge(t *testing.T, haveCreds bool) *testBridge {
	t.Helper()
	return buildTestBridge(t, haveCreds).start()
}

func (tb *testBridge) stop() {
	tb.cancel()
	if tb.exitConsumed {
		return
	}
	select {
	case <-tb.done:
	case <-time.After(waitTimeout):
		tb.t.Error("session loop did not stop")
	}
}

// waitExit waits for Run to return and hands back its error.
func (tb *testBridge) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-tb.done:
		tb.exitConsumed = true
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session loop did not exit")
		return nil
	}
}

// setOpenErr makes the next credential store open fail.
func (tb *testBridge) setOpenErr(err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.openErr = err
}

// command feeds one command to the loop.
func (tb *testBridge) command(t *testing.T, cmd Command) {
	t.Helper()
	select {
	case tb.b.Commands() <- cmd:
	case <-time.After(waitTimeout):
		t.Fatal("command channel blocked")
	}
}

// notify injects a session notification as if whatsmeow delivered it.
func (tb *testBridge) notify(t *testing.T, n notif) {
	t.Helper()
	select {
	case tb.b.notifs <- n:
	case <-time.After(waitTimeout):
		t.Fatal("notification channel blocked")
	}
}

// session waits for the factory to hand out the next session.
func (tb *testBridge) session(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-tb.sessions:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no session was created")
		return nil
	}
}

// noSession asserts the factory stays idle for a short while.
func (tb *testBridge) noSession(t *testing.T) {
	t.Helper()
	select {
	case s := <-tb.sessions:
		t.Fatalf("unexpected session created (conn_gen %d)", s.gen)
	case <-time.After(50 * time.Millisecond):
	}
}

// connected drives the harness to a live session: waits for the dial,
// injects the opened notification and consumes the connected event.
func (tb *testBridge) connected(t *testing.T, jid types.JID, name string) *fakeSession {
	t.Helper()
	s := tb.session(t)
	tb.notify(t, openedNotif{gen: s.gen, jid: jid, name: name})
	tb.rec.expect(t, EventConnected)
	return s
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
