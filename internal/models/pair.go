package models

import (
	"fmt"
	"regexp"
	"strings"
)

// userIDRegex accepts the id shapes issued by the account subsystem
// (Mongo ObjectIDs, UUIDs, ULIDs).
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateUserID reports ErrInvalidTarget for malformed user ids.
func ValidateUserID(id string) error {
	if !userIDRegex.MatchString(id) {
		return fmt.Errorf("%w: malformed user id %q", ErrInvalidTarget, id)
	}
	return nil
}

// PairKey identifies an unordered pair of users. Low <= High always holds,
// so the same two users map to the same key regardless of who acts first.
// It keys both conversations and friend relations.
type PairKey struct {
	Low  string
	High string
}

// NewPairKey builds the canonical key for two user ids.
func NewPairKey(a, b string) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// ParsePairKey parses the "low:high" text form.
func ParsePairKey(s string) (PairKey, error) {
	low, high, ok := strings.Cut(s, ":")
	if !ok {
		return PairKey{}, fmt.Errorf("%w: malformed pair key %q", ErrInvalidTarget, s)
	}
	if err := ValidateUserID(low); err != nil {
		return PairKey{}, err
	}
	if err := ValidateUserID(high); err != nil {
		return PairKey{}, err
	}
	return NewPairKey(low, high), nil
}

// String returns the "low:high" text form.
func (k PairKey) String() string {
	return k.Low + ":" + k.High
}

// Validate checks both members and rejects self-pairs.
func (k PairKey) Validate() error {
	if err := ValidateUserID(k.Low); err != nil {
		return err
	}
	if err := ValidateUserID(k.High); err != nil {
		return err
	}
	if k.Low == k.High {
		return fmt.Errorf("%w: pair references the same user twice", ErrInvalidTarget)
	}
	return nil
}

// Has reports whether id is one of the two members.
func (k PairKey) Has(id string) bool {
	return k.Low == id || k.High == id
}

// Other returns the member that is not id.
func (k PairKey) Other(id string) string {
	if k.Low == id {
		return k.High
	}
	return k.Low
}

// MarshalText implements encoding.TextMarshaler.
func (k PairKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PairKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePairKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
