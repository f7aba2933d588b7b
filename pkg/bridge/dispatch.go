// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// maxLineSize bounds a single command line. Message text rides inside the
// line, so this is comfortably above anything WhatsApp accepts.
const maxLineSize = 1 << 20

// Dispatcher reads newline-delimited JSON commands and feeds them to the
// session loop in arrival order. Malformed lines are answered with an error
// event and never reach the loop.
type Dispatcher struct {
	in   io.Reader
	cmds chan<- Command
	out  *Emitter
	log  zerolog.Logger
}

// NewDispatcher wires a Dispatcher for the given command stream, usually
// os.Stdin.
func NewDispatcher(in io.Reader, cmds chan<- Command, out *Emitter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		in:   in,
		cmds: cmds,
		out:  out,
		log:  log.With().Str("component", "dispatch").Logger(),
	}
}

// Run consumes the stream until a shutdown command, EOF or a read error.
// EOF and read errors both inject a shutdown so the host process dying
// takes the session down cleanly.
func (d *Dispatcher) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(d.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cmd, cerr := DecodeCommand(line)
		if cerr != nil {
			d.log.Warn().Str("code", string(cerr.Code)).Str("error", cerr.Message).Msg("Rejected command")
			d.out.EmitError(cerr.Code, cerr.Message)
			continue
		}
		d.log.Debug().Str("cmd", string(cmd.Name)).Msg("Received command")
		select {
		case d.cmds <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
		if cmd.Name == CmdShutdown {
			// The loop is about to exit, stop consuming input.
			return nil
		}
	}
	err := scanner.Err()
	if err != nil {
		d.log.Err(err).Msg("Command stream read failed")
	} else {
		d.log.Info().Msg("Command stream closed")
	}
	select {
	case d.cmds <- Command{Name: CmdShutdown}:
	case <-ctx.Done():
	}
	return err
}
