// Copyright 2025-2026 Aiku AI

package bridge

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Emitter is the only writer of the stdout event stream. Events are encoded
// as one JSON object per line and flushed immediately so the host never
// waits on a partial line. Safe for concurrent use; the session loop, the
// dispatcher and send goroutines all share one Emitter.
type Emitter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	log zerolog.Logger
}

// NewEmitter wraps w, normally os.Stdout.
func NewEmitter(w io.Writer, log zerolog.Logger) *Emitter {
	return &Emitter{
		w:   bufio.NewWriter(w),
		log: log.With().Str("component", "emitter").Logger(),
	}
}

// Emit writes one event line.
func (e *Emitter) Emit(event EventName, data any) {
	buf, err := json.Marshal(eventEnvelope{Event: event, Data: data})
	if err != nil {
		e.log.Err(err).Str("event", string(event)).Msg("Failed to encode event")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.w.Write(buf)
	_ = e.w.WriteByte('\n')
	if err := e.w.Flush(); err != nil {
		e.log.Err(err).Str("event", string(event)).Msg("Failed to write event")
	}
}

// EmitError reports a recoverable error to the host.
func (e *Emitter) EmitError(code ErrorCode, message string) {
	e.Emit(EventError, ErrorData{Message: message, Code: code})
}
