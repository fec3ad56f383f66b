// Package types provides common AgentX/SNMP types and constants shared by the
// row registry, the set-transaction coordinator and the request dispatcher.
package types

import (
	"bytes"
	"fmt"
	"net"
)

// AgentX/SNMP data type constants (RFC 2741 section 5.4).
const (
	TypeInteger          = 0x02
	TypeOctetString      = 0x04
	TypeNull             = 0x05
	TypeObjectIdentifier = 0x06
	TypeIPAddress        = 0x40
	TypeCounter32        = 0x41
	TypeGauge32          = 0x42
	TypeTimeTicks        = 0x43
	TypeOpaque           = 0x44
	TypeCounter64        = 0x46
	TypeNoSuchObject     = 0x80
	TypeNoSuchInstance   = 0x81
	TypeEndOfMibView     = 0x82
)

// SNMP error status constants
const (
	ErrorStatusNoError             = 0
	ErrorStatusTooBig              = 1
	ErrorStatusNoSuchName          = 2
	ErrorStatusBadValue            = 3
	ErrorStatusReadOnly            = 4
	ErrorStatusGenErr              = 5
	ErrorStatusNoAccess            = 6
	ErrorStatusWrongType           = 7
	ErrorStatusWrongLength         = 8
	ErrorStatusWrongEncoding       = 9
	ErrorStatusWrongValue          = 10
	ErrorStatusNoCreation          = 11
	ErrorStatusInconsistentValue   = 12
	ErrorStatusResourceUnavailable = 13
	ErrorStatusCommitFailed        = 14
	ErrorStatusUndoFailed          = 15
	ErrorStatusAuthorizationError  = 16
	ErrorStatusNotWritable         = 17
	ErrorStatusInconsistentName    = 18
)

// AgentX administrative error constants (RFC 2741 section 6.2.16).
const (
	ErrorStatusOpenFailed            = 256
	ErrorStatusNotOpen               = 257
	ErrorStatusIndexWrongType        = 258
	ErrorStatusIndexAlreadyAllocated = 259
	ErrorStatusIndexNoneAvailable    = 260
	ErrorStatusIndexNotAllocated     = 261
	ErrorStatusUnsupportedContext    = 262
	ErrorStatusDuplicateRegistration = 263
	ErrorStatusUnknownRegistration   = 264
	ErrorStatusUnknownAgentCaps      = 265
	ErrorStatusParseError            = 266
	ErrorStatusRequestDenied         = 267
	ErrorStatusProcessingError       = 268
)

// Varbind represents an AgentX variable binding.
//
// Values use the following Go representations: INTEGER as int64, OCTET STRING
// and Opaque as []byte, OBJECT IDENTIFIER as OID, IpAddress as a 4-byte
// []byte, Counter32/Gauge32/TimeTicks as uint32 and Counter64 as uint64.
// Null and the exception types carry a nil value.
type Varbind struct {
	OID   OID         `json:"oid"`
	Type  int         `json:"type"`
	Value interface{} `json:"value"`
}

// NewVarbind creates a varbind for the given OID and typed value.
func NewVarbind(oid OID, v Value) Varbind {
	return Varbind{OID: oid, Type: v.Type, Value: v.Value}
}

// Exception returns a varbind carrying one of the exception types
// (noSuchObject, noSuchInstance, endOfMibView).
func Exception(oid OID, kind int) Varbind {
	return Varbind{OID: oid, Type: kind}
}

// IsException reports whether the varbind carries an exception value.
func (vb Varbind) IsException() bool {
	return vb.Type == TypeNoSuchObject || vb.Type == TypeNoSuchInstance || vb.Type == TypeEndOfMibView
}

// TypedValue returns the typed value carried by the varbind.
func (vb Varbind) TypedValue() Value {
	return Value{Type: vb.Type, Value: vb.Value}
}

// String returns a string representation of the varbind.
func (vb Varbind) String() string {
	return fmt.Sprintf("%s = %s: %s", vb.OID, TypeName(vb.Type), vb.TypedValue())
}

// Value represents a typed AgentX value.
type Value struct {
	Type  int         `json:"type"`
	Value interface{} `json:"value"`
}

// Integer creates an INTEGER value.
func Integer(v int64) Value { return Value{Type: TypeInteger, Value: v} }

// OctetString creates an OCTET STRING value.
func OctetString(v []byte) Value { return Value{Type: TypeOctetString, Value: v} }

// Counter32 creates a Counter32 value.
func Counter32(v uint32) Value { return Value{Type: TypeCounter32, Value: v} }

// Gauge32 creates a Gauge32 value.
func Gauge32(v uint32) Value { return Value{Type: TypeGauge32, Value: v} }

// TimeTicks creates a TimeTicks value.
func TimeTicks(v uint32) Value { return Value{Type: TypeTimeTicks, Value: v} }

// Counter64 creates a Counter64 value.
func Counter64(v uint64) Value { return Value{Type: TypeCounter64, Value: v} }

// ObjectIdentifier creates an OBJECT IDENTIFIER value.
func ObjectIdentifier(v OID) Value { return Value{Type: TypeObjectIdentifier, Value: v} }

// IPAddress creates an IpAddress value from a 4-byte address.
func IPAddress(v []byte) Value { return Value{Type: TypeIPAddress, Value: v} }

// Null creates a NULL value.
func Null() Value { return Value{Type: TypeNull} }

// WellFormed reports whether the Go representation of the value matches its
// type tag.
func (v Value) WellFormed() bool {
	switch v.Type {
	case TypeInteger:
		_, ok := v.Value.(int64)
		return ok
	case TypeOctetString, TypeOpaque:
		_, ok := v.Value.([]byte)
		return ok
	case TypeObjectIdentifier:
		_, ok := v.Value.(OID)
		return ok
	case TypeIPAddress:
		b, ok := v.Value.([]byte)
		return ok && len(b) == 4
	case TypeCounter32, TypeGauge32, TypeTimeTicks:
		_, ok := v.Value.(uint32)
		return ok
	case TypeCounter64:
		_, ok := v.Value.(uint64)
		return ok
	case TypeNull, TypeNoSuchObject, TypeNoSuchInstance, TypeEndOfMibView:
		return v.Value == nil
	default:
		return false
	}
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch a := v.Value.(type) {
	case []byte:
		b, ok := o.Value.([]byte)
		return ok && bytes.Equal(a, b)
	case OID:
		b, ok := o.Value.(OID)
		return ok && a.Equal(b)
	default:
		return v.Value == o.Value
	}
}

// Clone returns a deep copy of the value so that stored row values never alias
// caller-owned slices.
func (v Value) Clone() Value {
	switch a := v.Value.(type) {
	case []byte:
		return Value{Type: v.Type, Value: append([]byte(nil), a...)}
	case OID:
		return Value{Type: v.Type, Value: a.Clone()}
	default:
		return v
	}
}

// String returns a string representation of the value.
func (v Value) String() string {
	switch v.Type {
	case TypeInteger:
		if val, ok := v.Value.(int64); ok {
			return fmt.Sprintf("%d", val)
		}
	case TypeOctetString:
		if val, ok := v.Value.([]byte); ok {
			return fmt.Sprintf("%q", val)
		}
	case TypeOpaque:
		if val, ok := v.Value.([]byte); ok {
			return fmt.Sprintf("%x", val)
		}
	case TypeObjectIdentifier:
		if val, ok := v.Value.(OID); ok {
			return val.String()
		}
	case TypeIPAddress:
		if val, ok := v.Value.([]byte); ok && len(val) == 4 {
			return net.IP(val).String()
		}
	case TypeCounter32, TypeGauge32, TypeTimeTicks:
		if val, ok := v.Value.(uint32); ok {
			return fmt.Sprintf("%d", val)
		}
	case TypeCounter64:
		if val, ok := v.Value.(uint64); ok {
			return fmt.Sprintf("%d", val)
		}
	case TypeNull:
		return "null"
	case TypeNoSuchObject:
		return "noSuchObject"
	case TypeNoSuchInstance:
		return "noSuchInstance"
	case TypeEndOfMibView:
		return "endOfMibView"
	}
	return fmt.Sprintf("%v", v.Value)
}

// TypeName returns the human-readable name of an AgentX data type.
func TypeName(t int) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeOctetString:
		return "OCTET STRING"
	case TypeNull:
		return "NULL"
	case TypeObjectIdentifier:
		return "OBJECT IDENTIFIER"
	case TypeIPAddress:
		return "IpAddress"
	case TypeCounter32:
		return "Counter32"
	case TypeGauge32:
		return "Gauge32"
	case TypeTimeTicks:
		return "TimeTicks"
	case TypeOpaque:
		return "Opaque"
	case TypeCounter64:
		return "Counter64"
	case TypeNoSuchObject:
		return "noSuchObject"
	case TypeNoSuchInstance:
		return "noSuchInstance"
	case TypeEndOfMibView:
		return "endOfMibView"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ErrorStatusName returns the human-readable name of an error status.
func ErrorStatusName(status int) string {
	switch status {
	case ErrorStatusNoError:
		return "noError"
	case ErrorStatusTooBig:
		return "tooBig"
	case ErrorStatusNoSuchName:
		return "noSuchName"
	case ErrorStatusBadValue:
		return "badValue"
	case ErrorStatusReadOnly:
		return "readOnly"
	case ErrorStatusGenErr:
		return "genErr"
	case ErrorStatusNoAccess:
		return "noAccess"
	case ErrorStatusWrongType:
		return "wrongType"
	case ErrorStatusWrongLength:
		return "wrongLength"
	case ErrorStatusWrongEncoding:
		return "wrongEncoding"
	case ErrorStatusWrongValue:
		return "wrongValue"
	case ErrorStatusNoCreation:
		return "noCreation"
	case ErrorStatusInconsistentValue:
		return "inconsistentValue"
	case ErrorStatusResourceUnavailable:
		return "resourceUnavailable"
	case ErrorStatusCommitFailed:
		return "commitFailed"
	case ErrorStatusUndoFailed:
		return "undoFailed"
	case ErrorStatusAuthorizationError:
		return "authorizationError"
	case ErrorStatusNotWritable:
		return "notWritable"
	case ErrorStatusInconsistentName:
		return "inconsistentName"
	case ErrorStatusOpenFailed:
		return "openFailed"
	case ErrorStatusNotOpen:
		return "notOpen"
	case ErrorStatusDuplicateRegistration:
		return "duplicateRegistration"
	case ErrorStatusUnknownRegistration:
		return "unknownRegistration"
	case ErrorStatusParseError:
		return "parseError"
	case ErrorStatusRequestDenied:
		return "requestDenied"
	case ErrorStatusProcessingError:
		return "processingError"
	default:
		return fmt.Sprintf("unknown(%d)", status)
	}
}
