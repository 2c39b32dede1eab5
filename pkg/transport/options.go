// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"time"

	"github.com/rs/zerolog"
)

// Option is a functional option for configuring a Session
type Option func(*Session)

// WithHost sets the bind address. Empty binds all interfaces.
func WithHost(host string) Option {
	return func(s *Session) {
		s.host = host
	}
}

// WithTimeout sets the per-call read/write budget
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithPollInterval sets how long a single accept, read or write attempt may
// wait before the session yields and retries
func WithPollInterval(poll time.Duration) Option {
	return func(s *Session) {
		if poll > 0 {
			s.poll = poll
		}
	}
}

// WithClock replaces the clock used to measure the read/write budget
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithYield sets the hook called between retries. Hosts use it to service a
// watchdog or other liveness checks.
func WithYield(yield func()) Option {
	return func(s *Session) {
		if yield != nil {
			s.yield = yield
		}
	}
}

// WithLogger sets the session logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}
