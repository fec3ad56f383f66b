package types

import "fmt"

// RowStatus mirrors the SNMPv2-TC RowStatus textual convention.
type RowStatus int64

const (
	RowStatusActive        RowStatus = 1
	RowStatusNotInService  RowStatus = 2
	RowStatusNotReady      RowStatus = 3
	RowStatusCreateAndGo   RowStatus = 4
	RowStatusCreateAndWait RowStatus = 5
	RowStatusDestroy       RowStatus = 6
)

// String returns the string representation of a row status
func (s RowStatus) String() string {
	switch s {
	case RowStatusActive:
		return "active"
	case RowStatusNotInService:
		return "notInService"
	case RowStatusNotReady:
		return "notReady"
	case RowStatusCreateAndGo:
		return "createAndGo"
	case RowStatusCreateAndWait:
		return "createAndWait"
	case RowStatusDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("unknown(%d)", int64(s))
	}
}

// Valid reports whether s is one of the six defined values.
func (s RowStatus) Valid() bool {
	return s >= RowStatusActive && s <= RowStatusDestroy
}

// Stored reports whether s may be the status of an existing row.
// createAndGo, createAndWait and destroy are actions, never states.
func (s RowStatus) Stored() bool {
	return s == RowStatusActive || s == RowStatusNotInService || s == RowStatusNotReady
}
