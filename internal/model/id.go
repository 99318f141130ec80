package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an invocation identifier.
// ULIDs sort by creation time, which keeps ledger listings stable.
func NewID() string {
	return ulid.Make().String()
}
