// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package isp

import (
	"time"

	"github.com/rs/zerolog"
)

// Option is a functional option for configuring a Programmer
type Option func(*Programmer)

// WithLogger sets the programmer logger
func WithLogger(log zerolog.Logger) Option {
	return func(p *Programmer) {
		p.log = log
	}
}

// WithSleep replaces the function used for target settle delays
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Programmer) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLiveness sets the hook serviced inside long write and read loops
func WithLiveness(liveness func()) Option {
	return func(p *Programmer) {
		if liveness != nil {
			p.liveness = liveness
		}
	}
}

// WithStatistics shares a statistics tracker with the caller
func WithStatistics(stats *Statistics) Option {
	return func(p *Programmer) {
		if stats != nil {
			p.stats = stats
		}
	}
}
