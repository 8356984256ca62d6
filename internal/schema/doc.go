// Package schema defines the canonical record types produced by a sync run.
//
// # Overview
//
// Every record fetched from ClickUp is normalized into one of the flat
// structs in this package before it reaches the warehouse. The structs
// mirror the warehouse column layout one to one: no nested objects, no
// raw API payload fields, and no personally identifying data (the user
// email is replaced by its SHA-256 digest during transformation).
//
// # Identity and deduplication
//
// Each record type implements the Record interface:
//
//	type Record interface {
//	    Key() string
//	    ModifiedAt() time.Time
//	}
//
// Key returns the source-assigned identity used for deduplication and
// upsert matching; ModifiedAt returns the last-modified instant used to
// pick the winner when the same key is observed more than once (adjacent
// fetch windows can overlap at a boundary instant, and edited records are
// returned again by the source).
//
// # Validation
//
// Validate methods check the invariants a record must hold before it may
// be staged: a non-empty identity key, a non-negative duration, and
// start <= end for time entries. A record failing validation is dropped
// and counted by the transformer, never staged.
package schema
