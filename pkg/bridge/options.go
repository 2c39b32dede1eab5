// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"github.com/rs/zerolog"

	"github.com/Thermoquad/ispbridge/pkg/prefs"
)

// Option is a functional option for configuring a Bridge
type Option func(*Bridge)

// WithName sets the key the enabled flag is saved under
func WithName(name string) Option {
	return func(b *Bridge) {
		if name != "" {
			b.name = name
		}
	}
}

// WithRestoreMode sets how the enabled flag is restored by Setup
func WithRestoreMode(mode RestoreMode) Option {
	return func(b *Bridge) {
		b.restore = mode
	}
}

// WithStore sets where the enabled flag is saved
func WithStore(store prefs.Store) Option {
	return func(b *Bridge) {
		b.store = store
	}
}

// WithLogger sets the bridge logger
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}
