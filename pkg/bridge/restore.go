// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"fmt"
	"strings"
)

// RestoreMode decides whether the bridge starts enabled
type RestoreMode uint8

const (
	// RestoreDefaultOff restores the saved flag, off if none was saved
	RestoreDefaultOff RestoreMode = iota
	// RestoreDefaultOn restores the saved flag, on if none was saved
	RestoreDefaultOn
	// AlwaysOff ignores the saved flag
	AlwaysOff
	// AlwaysOn ignores the saved flag
	AlwaysOn
	// RestoreInvertedDefaultOff restores the inverse of the saved flag
	RestoreInvertedDefaultOff
	// RestoreInvertedDefaultOn restores the inverse of the saved flag
	RestoreInvertedDefaultOn
	// RestoreAndOff loads the saved flag but always starts off
	RestoreAndOff
	// RestoreAndOn loads the saved flag but always starts on
	RestoreAndOn
)

var restoreModeNames = map[RestoreMode]string{
	RestoreDefaultOff:         "RESTORE_DEFAULT_OFF",
	RestoreDefaultOn:          "RESTORE_DEFAULT_ON",
	AlwaysOff:                 "ALWAYS_OFF",
	AlwaysOn:                  "ALWAYS_ON",
	RestoreInvertedDefaultOff: "RESTORE_INVERTED_DEFAULT_OFF",
	RestoreInvertedDefaultOn:  "RESTORE_INVERTED_DEFAULT_ON",
	RestoreAndOff:             "RESTORE_AND_OFF",
	RestoreAndOn:              "RESTORE_AND_ON",
}

func (m RestoreMode) String() string {
	if name, ok := restoreModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("RESTORE_MODE(%d)", uint8(m))
}

// ParseRestoreMode accepts the mode names in any case, with spaces or dashes
// in place of underscores
func ParseRestoreMode(s string) (RestoreMode, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for mode, name := range restoreModeNames {
		if name == norm {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown restore mode %q", s)
}

// RestoreModeNames lists every accepted mode name
func RestoreModeNames() []string {
	names := make([]string, 0, len(restoreModeNames))
	for m := RestoreDefaultOff; m <= RestoreAndOn; m++ {
		names = append(names, restoreModeNames[m])
	}
	return names
}

// loadsSaved reports whether the mode reads the persisted flag at all
func (m RestoreMode) loadsSaved() bool {
	return m != AlwaysOff && m != AlwaysOn
}

// Resolve returns the starting enabled flag given the saved one. ok is false
// when nothing was saved.
func (m RestoreMode) Resolve(saved, ok bool) bool {
	switch m {
	case RestoreDefaultOff, RestoreDefaultOn:
		if !ok {
			return m == RestoreDefaultOn
		}
		return saved
	case RestoreInvertedDefaultOff, RestoreInvertedDefaultOn:
		if !ok {
			return m == RestoreInvertedDefaultOn
		}
		return !saved
	case RestoreAndOn, AlwaysOn:
		return true
	default:
		return false
	}
}
