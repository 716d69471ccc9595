package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
)

// fieldABLabel is the Apple extension carrying custom labels for grouped fields.
const fieldABLabel = "X-ABLABEL"

// contactID returns the card's UID, or a deterministic hash of its name and
// position when the card has none. Positions are stable as long as the file
// is not reordered between a refresh and a commit.
func contactID(card vcard.Card, ordinal int) string {
	if uid := strings.TrimSpace(card.Value(config.VCardUID)); uid != "" {
		return uid
	}
	input := fmt.Sprintf(config.FormatHashIn, displayName(card), ordinal, config.UIDSalt)
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash[:config.UIDHashLength])
}

// cardIDs assigns contact IDs in book order. A UID already taken by an
// earlier card gets the card's position appended, so books merged from
// several accounts still yield one key per card.
type cardIDs map[string]bool

func (seen cardIDs) next(card vcard.Card, ordinal int) string {
	id := contactID(card, ordinal)
	if seen[id] {
		id = fmt.Sprintf(config.FormatDuplicateID, id, ordinal)
	}
	seen[id] = true
	return id
}

// displayName follows FN > structured N > fallback.
func displayName(card vcard.Card) string {
	if fn := strings.TrimSpace(card.PreferredValue(config.VCardFN)); fn != "" {
		return fn
	}
	if n := card.Name(); n != nil {
		parts := make([]string, 0, 3)
		for _, p := range []string{n.GivenName, n.AdditionalName, n.FamilyName} {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return config.FallbackName
}

// phoneLabel prefers a custom grouped label, then the TYPE parameters.
func phoneLabel(card vcard.Card, f *vcard.Field) string {
	if f.Group != "" {
		for k, labels := range card {
			if !strings.EqualFold(k, fieldABLabel) {
				continue
			}
			for _, l := range labels {
				if strings.EqualFold(l.Group, f.Group) {
					return strings.Trim(l.Value, "_$!<>")
				}
			}
		}
	}
	return strings.ToLower(strings.Join(f.Params.Types(), config.ListSeparator))
}

// cardRecords expands a card into one record per TEL field.
func cardRecords(card vcard.Card, id string) []engine.RawPhoneRecord {
	tels := card[config.VCardTEL]
	if len(tels) == 0 {
		return nil
	}
	name := displayName(card)

	records := make([]engine.RawPhoneRecord, 0, len(tels))
	for slot, f := range tels {
		records = append(records, engine.RawPhoneRecord{
			ContactID:   id,
			DisplayName: name,
			Label:       phoneLabel(card, f),
			RawValue:    f.Value,
			Slot:        slot,
		})
	}
	return records
}

// streamRecords decodes r card by card and yields its phone records.
// A malformed card ends the stream with an error; records already yielded stand.
func streamRecords(ctx context.Context, r io.Reader, yield func(engine.RawPhoneRecord, error) bool) {
	dec := vcard.NewDecoder(r)
	ids := cardIDs{}
	for ordinal := 0; ; ordinal++ {
		if err := ctx.Err(); err != nil {
			yield(engine.RawPhoneRecord{}, err)
			return
		}
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(engine.RawPhoneRecord{}, fmt.Errorf("%s: %w", config.ErrVCardParse, err))
			return
		}
		for _, rec := range cardRecords(card, ids.next(card, ordinal)) {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// decodeBook reads every card. Unlike streamRecords it is strict: a book
// that cannot be fully decoded must not be rewritten.
func decodeBook(r io.Reader) ([]vcard.Card, error) {
	dec := vcard.NewDecoder(r)
	var cards []vcard.Card
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return cards, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.ErrVCardParse, err)
		}
		cards = append(cards, card)
	}
}

// setPhone replaces the value of one TEL field. Parameters, and thus the
// label, are left untouched.
func setPhone(cards []vcard.Card, id string, slot int, value string) error {
	ids := cardIDs{}
	for ordinal, card := range cards {
		if ids.next(card, ordinal) != id {
			continue
		}
		tels := card[config.VCardTEL]
		if slot < 0 || slot >= len(tels) {
			return fmt.Errorf("%s: %s[%d]", config.ErrSlotOutOfRange, id, slot)
		}
		tels[slot].Value = value
		return nil
	}
	return fmt.Errorf("%s: %s", config.ErrContactNotFound, id)
}

// encodeBook serializes the cards, adding a VERSION where the source had none.
func encodeBook(cards []vcard.Card) ([]byte, error) {
	var buf bytes.Buffer
	enc := vcard.NewEncoder(&buf)
	for _, card := range cards {
		if card.Get(config.VCardVersion) == nil {
			card.SetValue(config.VCardVersion, config.VCardV3)
		}
		if err := enc.Encode(card); err != nil {
			return nil, fmt.Errorf("%s: %w", config.ErrVCardEncode, err)
		}
	}
	return buf.Bytes(), nil
}

// rewrite decodes a book, changes one phone number and re-encodes it.
func rewrite(r io.Reader, id string, slot int, value string) ([]byte, error) {
	cards, err := decodeBook(r)
	if err != nil {
		return nil, err
	}
	if err := setPhone(cards, id, slot, value); err != nil {
		return nil, err
	}
	return encodeBook(cards)
}
