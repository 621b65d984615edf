package character

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// IntegrityError is returned when a remote payload is missing fields the
// directory relies on. Payloads that fail validation are never cached.
type IntegrityError struct {
	Field  string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Field == "" {
		return "invalid character payload: " + e.Reason
	}
	return fmt.Sprintf("invalid character payload: %s %s", e.Field, e.Reason)
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// ExtractMinimal projects each record to its Minimal form, preserving order.
func ExtractMinimal(records []Detail) []Minimal {
	out := make([]Minimal, 0, len(records))
	for _, r := range records {
		out = append(out, r.Minimal())
	}
	return out
}

// ValidateCharacterDetail checks that raw is a JSON object whose first_name
// and last_name members are strings.
func ValidateCharacterDetail(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &IntegrityError{Reason: "is empty"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return &IntegrityError{Reason: "is not an object"}
	}
	for _, name := range []string{"first_name", "last_name"} {
		v, ok := fields[name]
		if !ok {
			return &IntegrityError{Field: name, Reason: "is missing"}
		}
		v = bytes.TrimSpace(v)
		var s string
		if len(v) == 0 || v[0] != '"' || json.Unmarshal(v, &s) != nil {
			return &IntegrityError{Field: name, Reason: "is not a string"}
		}
	}
	return nil
}

// IsValidCharacterDetail is the boolean form of ValidateCharacterDetail.
func IsValidCharacterDetail(raw []byte) bool {
	return ValidateCharacterDetail(raw) == nil
}

// DecodeDetail validates raw, decodes it and attaches id, which the detail
// endpoint does not include in its body.
func DecodeDetail(id int, raw []byte) (Detail, error) {
	if err := ValidateCharacterDetail(raw); err != nil {
		return Detail{}, err
	}
	var d Detail
	if err := json.Unmarshal(raw, &d); err != nil {
		return Detail{}, &IntegrityError{Reason: err.Error()}
	}
	d.ID = id
	return d, nil
}

// RemoveDuplicates returns the records of incoming whose ids are not present
// in existing, keeping the relative order of incoming. An id repeated within
// incoming is only kept the first time.
func RemoveDuplicates[T Identified](existing, incoming []T) []T {
	seen := make(map[int]struct{}, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Identity()] = struct{}{}
	}
	out := make([]T, 0, len(incoming))
	for _, r := range incoming {
		if _, ok := seen[r.Identity()]; ok {
			continue
		}
		seen[r.Identity()] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Filter returns the records whose full name or profession contains text,
// ignoring case. An empty (or blank) text yields list itself.
func Filter(list []Minimal, text string) []Minimal {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return list
	}
	out := make([]Minimal, 0, len(list))
	for _, r := range list {
		if strings.Contains(strings.ToLower(r.FullName()), needle) ||
			strings.Contains(strings.ToLower(r.Profession), needle) {
			out = append(out, r)
		}
	}
	return out
}

// ErrInvalidID is returned by ParseID for ids that are missing, not numeric or
// not positive.
var ErrInvalidID = errors.New("invalid character id")

// ParseID parses a positive character id such as a route parameter.
func ParseID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidID
	}
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(ErrInvalidID, "%q", s)
	}
	return id, nil
}
