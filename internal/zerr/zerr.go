// Package zerr defines the sentinel error kinds shared across the agent's
// core subsystems, along with constructors that attach the context callers
// need to diagnose a failure (§7 Error handling design).
/*
 * Copyright (c) 2024, OpenZFS Contributors. All rights reserved.
 */
package zerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel kinds. Callers use errors.Is against these.
var (
	ErrChecksum       = errors.New("checksum mismatch")
	ErrNotFound       = errors.New("not found")
	ErrAllocExhausted = errors.New("allocator exhausted")
	ErrInvariant      = errors.New("invariant violation")
	ErrProtocol       = errors.New("protocol error")
	ErrOwnership      = errors.New("pool ownership conflict (MMP)")
	ErrFeature        = errors.New("feature incompatibility")
	ErrClosed         = errors.New("closed")
)

// ChecksumError reports a checksum/decode failure with enough context
// (key, offset) to diagnose per §7.
type ChecksumError struct {
	Key    string
	Offset int64
	Err    error
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum error at %s offset %d: %v", e.Key, e.Offset, e.Err)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

func NewChecksumError(key string, offset int64, err error) error {
	return &ChecksumError{Key: key, Offset: offset, Err: err}
}

// InvariantViolation is raised for conditions the spec says "should not
// happen" (§7, §9 open questions) — these panic rather than propagate.
type InvariantViolation struct {
	Context string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Context)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariant }

// Panic raises an InvariantViolation. Used by the merge/reclaim tasks,
// which per §7 "never return errors - they either make progress or panic".
func Panic(format string, a ...any) {
	panic(&InvariantViolation{Context: fmt.Sprintf(format, a...)})
}

// FeatureError reports missing features and whether a read-only open
// would succeed (§7).
type FeatureError struct {
	Missing  []string
	ROOpenOK bool
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("missing features %v (readonly-open-ok=%v)", e.Missing, e.ROOpenOK)
}

func (e *FeatureError) Unwrap() error { return ErrFeature }

func Wrap(err error, msg string) error              { return errors.Wrap(err, msg) }
func Wrapf(err error, f string, a ...any) error      { return errors.Wrapf(err, f, a...) }
