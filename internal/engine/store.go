package engine

import (
	"context"
	"iter"
)

// AccessStatus is the permission the address book grants this process.
type AccessStatus int

const (
	AccessNotDetermined AccessStatus = iota
	AccessGranted
	AccessLimited
	AccessDenied
	AccessRestricted
)

func (a AccessStatus) String() string {
	switch a {
	case AccessGranted:
		return "granted"
	case AccessLimited:
		return "limited"
	case AccessDenied:
		return "denied"
	case AccessRestricted:
		return "restricted"
	default:
		return "not_determined"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a AccessStatus) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// CanRead reports whether enumeration is allowed.
func (a AccessStatus) CanRead() bool {
	return a == AccessGranted || a == AccessLimited
}

// Store reads and writes the address book. The engine never holds a lock on
// it: the book may change between a refresh and a commit.
type Store interface {
	CheckAccess(ctx context.Context) AccessStatus

	// RequestAccess may block while the user is asked for consent.
	RequestAccess(ctx context.Context) bool

	// Enumerate yields one record per phone number, grouped by contact.
	// The sequence is finite and not restartable; a non-nil error ends it.
	Enumerate(ctx context.Context) iter.Seq2[RawPhoneRecord, error]

	// Write replaces the value of one phone number slot, keeping its label.
	Write(ctx context.Context, contactID string, slot int, value string) error
}
