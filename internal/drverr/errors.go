// Package drverr defines the error taxonomy shared by every stage of the
// driver pipeline.
package drverr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a driver operation did not succeed.
type Kind int

const (
	None Kind = iota
	NetworkUnavailable
	NetworkFailure
	BrokenPackage
	ArchitectureMismatch
	NotADriver
	MissingSignature
	DependencyUnresolved
	ModuleNotFound
	InvalidModuleFormat
	AlreadyInProgress
	DeviceVanished
	Canceled
	Internal
)

var kindNames = map[Kind]string{
	None:                 "none",
	NetworkUnavailable:   "network_unavailable",
	NetworkFailure:       "network_failure",
	BrokenPackage:        "broken_package",
	ArchitectureMismatch: "architecture_mismatch",
	NotADriver:           "not_a_driver",
	MissingSignature:     "missing_signature",
	DependencyUnresolved: "dependency_unresolved",
	ModuleNotFound:       "module_not_found",
	InvalidModuleFormat:  "invalid_module_format",
	AlreadyInProgress:    "already_in_progress",
	DeviceVanished:       "device_vanished",
	Canceled:             "canceled",
	Internal:             "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name so JSON payloads stay readable.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// ParseKind is the inverse of String. Unknown names map to Internal.
func ParseKind(s string) Kind {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return None
	}
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Internal
}

// Retryable reports whether retrying the same operation can change the outcome.
// A corrupt or mismatched package never becomes valid by fetching it again.
func (k Kind) Retryable() bool {
	return k == NetworkUnavailable
}

// Error carries a Kind alongside the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so callers can write
// errors.Is(err, drverr.E(drverr.AlreadyInProgress, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf extracts the Kind from err. Context cancellation maps to Canceled,
// any other unclassified error to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Internal
}

// Detail returns the innermost human-readable reason, without the kind prefix.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
