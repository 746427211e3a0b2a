// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an address or block id resolves to nothing.
var ErrNotFound = errors.New("graph: not found")

// IngestionError reports the first structural violation found while
// validating a document against its claimed structure. Nothing is written
// when one is returned.
type IngestionError struct {
	Cut      int    // index of the offending cut, when positional
	Reason   string // what rule was violated
	Expected string // what the rule required
	Actual   string // what the structure supplied
}

func (e *IngestionError) Error() string {
	msg := fmt.Sprintf("ingestion rejected at cut %d: %s", e.Cut, e.Reason)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %q, got %q)", e.Expected, e.Actual)
	}
	return msg
}

// ValidationError reports a malformed input outside the ingestion path
// (overlay entries, CLI arguments, wire parameters).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProtocolError is a structured wire error for the halo service. Code is the
// HTTP status the handler maps it to.
type ProtocolError struct {
	Code   int    `json:"-"`
	Kind   string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
