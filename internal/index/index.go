// Package index converts between a table row's index values and the
// sub-identifier suffix of its instance OIDs.
//
// The encoded form of an index tuple is a Key: every sub-identifier of the
// suffix written as four big-endian bytes. Byte-wise comparison of two keys
// therefore agrees with OID ordering, and for every table Compare(A, B) has
// the sign of Encode(A) compared with Encode(B). The row store relies on this
// to serve GetNext by ordered traversal.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"github.com/geekxflood/proteus/internal/types"
)

// Kind identifies how an index field maps onto sub-identifiers.
type Kind int

const (
	// KindInteger is an INTEGER/Integer32 index, one non-negative sub-identifier.
	KindInteger Kind = iota
	// KindUnsigned is an Unsigned32/Gauge32/TimeTicks index, one sub-identifier.
	KindUnsigned
	// KindOctetString is an OCTET STRING index, length-prefixed unless Implied.
	KindOctetString
	// KindFixedString is a fixed-size OCTET STRING, never length-prefixed.
	KindFixedString
	// KindIPAddress is an IpAddress, four sub-identifiers.
	KindIPAddress
	// KindOID is an OBJECT IDENTIFIER, length-prefixed unless Implied.
	KindOID
)

// String returns the string representation of an index kind
func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindUnsigned:
		return "unsigned"
	case KindOctetString:
		return "octet-string"
	case KindFixedString:
		return "fixed-string"
	case KindIPAddress:
		return "ip-address"
	case KindOID:
		return "oid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field describes one component of a table's INDEX clause.
type Field struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Size    int    `json:"size,omitempty"`
	Implied bool   `json:"implied,omitempty"`
}

// Key is the order-preserving byte encoding of an index suffix.
type Key string

// KeyOf encodes raw sub-identifiers as a key without interpreting them.
// Any suffix, including one that does not decode under a table's index
// layout, has a key with the correct relative order.
func KeyOf(suffix types.OID) Key {
	buf := make([]byte, 4*len(suffix))
	for i, id := range suffix {
		binary.BigEndian.PutUint32(buf[4*i:], id)
	}
	return Key(buf)
}

// OID returns the sub-identifiers a key encodes.
func (k Key) OID() (types.OID, error) {
	if len(k)%4 != 0 {
		return nil, fmt.Errorf("key length %d is not a multiple of 4: %w", len(k), types.ErrMalformedIndex)
	}
	oid := make(types.OID, len(k)/4)
	for i := range oid {
		oid[i] = binary.BigEndian.Uint32([]byte(k[4*i : 4*i+4]))
	}
	return oid, nil
}

// String returns the dotted suffix of the key.
func (k Key) String() string {
	oid, err := k.OID()
	if err != nil {
		return fmt.Sprintf("%x", string(k))
	}
	return oid.String()
}

// Validate checks that an index layout is well formed: only the last field
// may be implied, only variable-length kinds may be implied and fixed strings
// carry a positive size.
func Validate(fields []Field) error {
	if len(fields) == 0 {
		return fmt.Errorf("index must have at least one field")
	}
	for i, f := range fields {
		switch f.Kind {
		case KindInteger, KindUnsigned, KindIPAddress:
			if f.Implied {
				return fmt.Errorf("index field %q: %s cannot be implied", f.Name, f.Kind)
			}
		case KindFixedString:
			if f.Size <= 0 {
				return fmt.Errorf("index field %q: fixed string needs a positive size", f.Name)
			}
			if f.Implied {
				return fmt.Errorf("index field %q: fixed string cannot be implied", f.Name)
			}
		case KindOctetString, KindOID:
			if f.Implied && i != len(fields)-1 {
				return fmt.Errorf("index field %q: only the last field may be implied", f.Name)
			}
		default:
			return fmt.Errorf("index field %q: unknown kind %d", f.Name, int(f.Kind))
		}
	}
	return nil
}

// Encode encodes an index tuple into its key.
func Encode(fields []Field, values []any) (Key, error) {
	suffix, err := EncodeOID(fields, values)
	if err != nil {
		return "", err
	}
	return KeyOf(suffix), nil
}

// EncodeOID encodes an index tuple into its instance OID suffix.
func EncodeOID(fields []Field, values []any) (types.OID, error) {
	if len(values) != len(fields) {
		return nil, fmt.Errorf("expected %d index values, got %d: %w", len(fields), len(values), types.ErrMalformedIndex)
	}

	suffix := make(types.OID, 0, len(fields)*2)
	for i, f := range fields {
		v, err := Normalize(f, values[i])
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case KindInteger:
			suffix = append(suffix, uint32(v.(int64)))
		case KindUnsigned:
			suffix = append(suffix, v.(uint32))
		case KindOctetString, KindFixedString, KindIPAddress:
			b := v.([]byte)
			if f.Kind == KindOctetString && !f.Implied {
				suffix = append(suffix, uint32(len(b)))
			}
			for _, c := range b {
				suffix = append(suffix, uint32(c))
			}
		case KindOID:
			o := v.(types.OID)
			if !f.Implied {
				suffix = append(suffix, uint32(len(o)))
			}
			suffix = append(suffix, o...)
		}
	}
	return suffix, nil
}

// Normalize converts a Go value to the canonical representation of an index
// field: int64 for integers, uint32 for unsigned, []byte for strings and
// addresses, types.OID for object identifiers.
func Normalize(f Field, v any) (any, error) {
	switch f.Kind {
	case KindInteger:
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		case int64:
			n = x
		case uint32:
			n = int64(x)
		default:
			return nil, fmt.Errorf("index field %q: %T is not an integer: %w", f.Name, v, types.ErrWrongType)
		}
		if n < 0 || n > math.MaxInt32 {
			return nil, fmt.Errorf("index field %q: integer %d out of index range: %w", f.Name, n, types.ErrMalformedIndex)
		}
		return n, nil

	case KindUnsigned:
		switch x := v.(type) {
		case uint32:
			return x, nil
		case int:
			if x >= 0 && int64(x) <= math.MaxUint32 {
				return uint32(x), nil
			}
		case int64:
			if x >= 0 && x <= math.MaxUint32 {
				return uint32(x), nil
			}
		default:
			return nil, fmt.Errorf("index field %q: %T is not unsigned: %w", f.Name, v, types.ErrWrongType)
		}
		return nil, fmt.Errorf("index field %q: %v out of unsigned range: %w", f.Name, v, types.ErrMalformedIndex)

	case KindOctetString, KindFixedString:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = append([]byte(nil), x...)
		case string:
			b = []byte(x)
		default:
			return nil, fmt.Errorf("index field %q: %T is not an octet string: %w", f.Name, v, types.ErrWrongType)
		}
		if f.Kind == KindFixedString && len(b) != f.Size {
			return nil, fmt.Errorf("index field %q: length %d, want %d: %w", f.Name, len(b), f.Size, types.ErrMalformedIndex)
		}
		return b, nil

	case KindIPAddress:
		var b []byte
		switch x := v.(type) {
		case net.IP:
			b = x.To4()
		case []byte:
			b = x
		case string:
			b = net.ParseIP(x).To4()
		default:
			return nil, fmt.Errorf("index field %q: %T is not an IpAddress: %w", f.Name, v, types.ErrWrongType)
		}
		if len(b) != 4 {
			return nil, fmt.Errorf("index field %q: invalid IpAddress %v: %w", f.Name, v, types.ErrMalformedIndex)
		}
		return append([]byte(nil), b...), nil

	case KindOID:
		switch x := v.(type) {
		case types.OID:
			return x.Clone(), nil
		case string:
			o, err := types.ParseOID(x)
			if err != nil {
				return nil, fmt.Errorf("index field %q: %v: %w", f.Name, err, types.ErrMalformedIndex)
			}
			return o, nil
		default:
			return nil, fmt.Errorf("index field %q: %T is not an OID: %w", f.Name, v, types.ErrWrongType)
		}
	}
	return nil, fmt.Errorf("index field %q: unknown kind %d", f.Name, int(f.Kind))
}

// Decode decodes an instance OID suffix into index values. It fails with
// ErrMalformedIndex when the suffix is too short or too long for the layout,
// when a length prefix overruns the suffix, or when a string octet exceeds 255.
func Decode(fields []Field, suffix types.OID) ([]any, error) {
	values := make([]any, 0, len(fields))
	pos := 0

	take := func(f Field, n int) (types.OID, error) {
		if n < 0 || pos+n > len(suffix) {
			return nil, fmt.Errorf("index field %q needs %d sub-identifiers at offset %d, suffix has %d: %w",
				f.Name, n, pos, len(suffix), types.ErrMalformedIndex)
		}
		ids := suffix[pos : pos+n]
		pos += n
		return ids, nil
	}

	toBytes := func(f Field, ids types.OID) ([]byte, error) {
		b := make([]byte, len(ids))
		for i, id := range ids {
			if id > 255 {
				return nil, fmt.Errorf("index field %q: octet %d out of range: %w", f.Name, id, types.ErrMalformedIndex)
			}
			b[i] = byte(id)
		}
		return b, nil
	}

	for _, f := range fields {
		switch f.Kind {
		case KindInteger:
			ids, err := take(f, 1)
			if err != nil {
				return nil, err
			}
			if ids[0] > math.MaxInt32 {
				return nil, fmt.Errorf("index field %q: %d out of integer range: %w", f.Name, ids[0], types.ErrMalformedIndex)
			}
			values = append(values, int64(ids[0]))

		case KindUnsigned:
			ids, err := take(f, 1)
			if err != nil {
				return nil, err
			}
			values = append(values, ids[0])

		case KindFixedString, KindIPAddress, KindOctetString:
			n := f.Size
			switch {
			case f.Kind == KindIPAddress:
				n = 4
			case f.Kind == KindOctetString && f.Implied:
				n = len(suffix) - pos
			case f.Kind == KindOctetString:
				l, err := take(f, 1)
				if err != nil {
					return nil, err
				}
				n = int(l[0])
			}
			ids, err := take(f, n)
			if err != nil {
				return nil, err
			}
			b, err := toBytes(f, ids)
			if err != nil {
				return nil, err
			}
			values = append(values, b)

		case KindOID:
			n := len(suffix) - pos
			if !f.Implied {
				l, err := take(f, 1)
				if err != nil {
					return nil, err
				}
				n = int(l[0])
			}
			ids, err := take(f, n)
			if err != nil {
				return nil, err
			}
			values = append(values, ids.Clone())

		default:
			return nil, fmt.Errorf("index field %q: unknown kind %d", f.Name, int(f.Kind))
		}
	}

	if pos != len(suffix) {
		return nil, fmt.Errorf("%d trailing sub-identifiers after index: %w", len(suffix)-pos, types.ErrMalformedIndex)
	}
	return values, nil
}

// DecodeKey decodes a key into index values.
func DecodeKey(fields []Field, key Key) ([]any, error) {
	suffix, err := key.OID()
	if err != nil {
		return nil, err
	}
	return Decode(fields, suffix)
}

// Compare orders two index tuples under the MIB index ordering: integers
// numerically, length-prefixed strings and OIDs by length then content, fixed
// and implied strings and OIDs lexicographically. Both tuples must already be
// valid for the layout.
func Compare(fields []Field, a, b []any) int {
	for i, f := range fields {
		x, errX := Normalize(f, a[i])
		y, errY := Normalize(f, b[i])
		if errX != nil || errY != nil {
			continue
		}
		var c int
		switch f.Kind {
		case KindInteger:
			c = cmpInt(x.(int64), y.(int64))
		case KindUnsigned:
			c = cmpInt(int64(x.(uint32)), int64(y.(uint32)))
		case KindOctetString:
			xb, yb := x.([]byte), y.([]byte)
			if !f.Implied {
				c = cmpInt(int64(len(xb)), int64(len(yb)))
			}
			if c == 0 {
				c = bytes.Compare(xb, yb)
			}
		case KindFixedString, KindIPAddress:
			c = bytes.Compare(x.([]byte), y.([]byte))
		case KindOID:
			xo, yo := x.(types.OID), y.(types.OID)
			if !f.Implied {
				c = cmpInt(int64(len(xo)), int64(len(yo)))
			}
			if c == 0 {
				c = xo.Compare(yo)
			}
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
