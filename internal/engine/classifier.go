package engine

import "github.com/tartampluch/go-contactformatter/internal/phone"

// Classifier parses raw records and decides which ones need formatting.
type Classifier struct {
	Parser phone.Parser
}

// Classify parses the raw value once. An unparseable number is a normal
// outcome, not an error: the record is simply marked invalid.
func (c Classifier) Classify(raw RawPhoneRecord) ParsedPhoneRecord {
	n, ok := c.Parser.Parse(raw.RawValue)
	if !ok {
		return ParsedPhoneRecord{RawPhoneRecord: raw}
	}
	return ParsedPhoneRecord{RawPhoneRecord: raw, Valid: true, Number: n}
}

// Formatted returns the record's value rendered in style f, or the raw value
// for invalid records.
func (c Classifier) Formatted(r ParsedPhoneRecord, f phone.Format) string {
	if !r.Valid {
		return r.RawValue
	}
	return c.Parser.Format(r.Number, f)
}

// NeedsFormatting reports whether writing r in style f would change it.
// Invalid records never need formatting.
func (c Classifier) NeedsFormatting(r ParsedPhoneRecord, f phone.Format) bool {
	if !r.Valid {
		return false
	}
	return c.Parser.Format(r.Number, f) != r.RawValue
}
