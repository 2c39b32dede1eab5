// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// newLogger builds the process logger from --log-level and --log-json
func newLogger(out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "invalid --log-level %q", logLevel)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if out == nil {
		out = os.Stderr
	}
	if !logJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
