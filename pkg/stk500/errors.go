// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

import (
	"errors"
	"fmt"
)

// Sentinel errors for in-band programmer responses
var (
	ErrNoSync  = errors.New("stk500: programmer not in sync")
	ErrFailed  = errors.New("stk500: programmer reported failure")
	ErrUnknown = errors.New("stk500: programmer does not know the command")
)

// ResponseError reports an unexpected byte where a framing byte was required.
type ResponseError struct {
	Command  byte
	Expected byte
	Actual   byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("stk500: %s: expected %s, got %s",
		FormatCommand(e.Command), FormatResponse(e.Expected), FormatResponse(e.Actual))
}

// SignatureMismatchError indicates the target is not the part the client was told to program.
type SignatureMismatchError struct {
	Expected [3]byte
	Actual   [3]byte
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("stk500: signature mismatch: expected %s, device has %s",
		FormatSignature(e.Expected), FormatSignature(e.Actual))
}
