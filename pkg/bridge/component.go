// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"time"
)

// Component is something a host schedules: set up once, looped
// cooperatively, torn down on exit
type Component interface {
	Setup() error
	Loop()
	Teardown()
	DumpConfig()
}

// Run sets c up, calls Loop every interval until ctx is done, then tears it
// down. A non-positive interval loops back to back.
func Run(ctx context.Context, c Component, interval time.Duration) error {
	if err := c.Setup(); err != nil {
		return err
	}
	c.DumpConfig()
	defer c.Teardown()

	if interval <= 0 {
		for ctx.Err() == nil {
			c.Loop()
		}
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Loop()
		}
	}
}
