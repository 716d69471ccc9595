package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/phone"
)

// RecordKey identifies one phone number slot of one contact.
// It is stable across refreshes, unlike the records themselves.
type RecordKey struct {
	ContactID string `json:"contact_id"`
	Slot      int    `json:"slot"`
}

// String renders the key as "contact:slot", the form accepted by ParseRecordKey.
func (k RecordKey) String() string {
	return k.ContactID + config.KeySeparator + strconv.Itoa(k.Slot)
}

// ParseRecordKey is the inverse of RecordKey.String. The contact ID may itself
// contain the separator; the slot is always the last segment.
func ParseRecordKey(s string) (RecordKey, error) {
	i := strings.LastIndex(s, config.KeySeparator)
	if i <= 0 || i == len(s)-1 {
		return RecordKey{}, fmt.Errorf("%s: %q", config.ErrBadKey, s)
	}
	slot, err := strconv.Atoi(s[i+1:])
	if err != nil || slot < 0 {
		return RecordKey{}, fmt.Errorf("%s: %q", config.ErrBadKey, s)
	}
	return RecordKey{ContactID: s[:i], Slot: slot}, nil
}

// RawPhoneRecord is one phone number as currently stored in the address book.
// A contact with three numbers yields three records.
type RawPhoneRecord struct {
	ContactID   string `json:"contact_id"`
	DisplayName string `json:"name"`
	Label       string `json:"label"`
	RawValue    string `json:"value"`

	// Slot is the position of the number in the contact's phone list,
	// needed to write it back.
	Slot int `json:"slot"`
}

// Key returns the record's stable identity.
func (r RawPhoneRecord) Key() RecordKey {
	return RecordKey{ContactID: r.ContactID, Slot: r.Slot}
}

// ParsedPhoneRecord is a raw record plus its parse outcome, fixed at ingestion.
type ParsedPhoneRecord struct {
	RawPhoneRecord
	Valid bool `json:"valid"`

	// Number is only set when Valid is true.
	Number phone.Number `json:"-"`
}

// WorkingRecord is a valid record the user can opt in or out of the next commit.
type WorkingRecord struct {
	ParsedPhoneRecord
	Included bool `json:"included"`
}

// Change is one entry of the formatting plan: what a commit would write.
type Change struct {
	Key         RecordKey `json:"key"`
	DisplayName string    `json:"name"`
	Label       string    `json:"label"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Included    bool      `json:"included"`
}

// WriteFailure records a candidate whose write was rejected by the store.
type WriteFailure struct {
	Key         RecordKey `json:"key"`
	DisplayName string    `json:"name"`
	Error       string    `json:"error"`
}

// CommitReport summarizes one commit.
type CommitReport struct {
	Format    phone.Format   `json:"format"`
	Attempted int            `json:"attempted"`
	Written   []RecordKey    `json:"written"`
	Failures  []WriteFailure `json:"failures"`
}
