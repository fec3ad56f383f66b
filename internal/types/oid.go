package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OID is an object identifier as a sequence of sub-identifiers.
type OID []uint32

// ParseOID parses a dotted OID string. A leading dot is accepted.
func ParseOID(s string) (OID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return OID{}, nil
	}

	parts := strings.Split(s, ".")
	oid := make(OID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-identifier %q in OID %q: %w", p, s, err)
		}
		oid = append(oid, uint32(n))
	}
	return oid, nil
}

// MustParseOID parses an OID and panics on error. Intended for constants.
func MustParseOID(s string) OID {
	oid, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// String returns the dotted representation of the OID.
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}
	var b strings.Builder
	for i, id := range o {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}

// Compare compares two OIDs in lexicographic sub-identifier order.
func (o OID) Compare(other OID) int {
	n := len(o)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		switch {
		case o[i] < other[i]:
			return -1
		case o[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	}
	return 0
}

// Equal reports whether two OIDs are identical.
func (o OID) Equal(other OID) bool {
	return o.Compare(other) == 0
}

// HasPrefix reports whether prefix is a (non-strict) prefix of the OID.
func (o OID) HasPrefix(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i := range prefix {
		if o[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Append returns a new OID with the given sub-identifiers appended.
func (o OID) Append(ids ...uint32) OID {
	out := make(OID, 0, len(o)+len(ids))
	out = append(out, o...)
	return append(out, ids...)
}

// Clone returns a copy of the OID.
func (o OID) Clone() OID {
	if o == nil {
		return nil
	}
	return append(OID(nil), o...)
}

// MarshalJSON encodes the OID as its dotted string.
func (o OID) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes a dotted OID string.
func (o *OID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOID(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
