// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command whatsapp-bridge is a WhatsApp sidecar for a host process. It
// reads newline-delimited JSON commands on stdin, emits newline-delimited
// JSON events on stdout and keeps stderr for human-readable logs. Session
// credentials persist across invocations, so after one QR pairing the
// bridge reconnects silently on every start.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/term"

	"github.com/aiku/whatsapp-bridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const Name = "whatsapp-bridge"
const Version = "0.1.0"

var (
	configPath      = pflag.StringP("config", "c", "", "path to the config file")
	logLevel        = pflag.String("log-level", "", "override the configured minimum log level")
	generateExample = pflag.BoolP("generate-example-config", "e", false, "print the example config and exit")
	wantVersion     = pflag.Bool("version", false, "print the version and exit")
)

func main() {
	pflag.Parse()
	if *wantVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", Name, Version, Commit, BuildTime)
		return
	}
	if *generateExample {
		fmt.Print(bridge.ExampleConfig)
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
		os.Exit(10)
	}
	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(11)
	}
	if *logLevel != "" {
		if err = cfg.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(11)
		}
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		// No ANSI escapes when stderr goes to a pipe or a file.
		for i, writer := range cfg.Logging.Writers {
			if writer.Format == "pretty-colored" {
				cfg.Logging.Writers[i].Format = "pretty"
			}
		}
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Version).
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting whatsapp-bridge")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := bridge.NewEmitter(os.Stdout, *log)
	br := bridge.New(cfg, *log, out)
	disp := bridge.NewDispatcher(os.Stdin, br.Commands(), out, *log)
	// The dispatcher blocks on stdin reads, which do not unblock on context
	// cancellation. Process exit is driven by the session loop returning.
	go func() {
		_ = disp.Run(ctx)
	}()
	if err = br.Run(ctx); err != nil {
		log.Err(err).Msg("Session loop failed")
		os.Exit(1)
	}
	log.Info().Msg("whatsapp-bridge stopped")
}
