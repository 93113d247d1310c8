package domain

import (
	"encoding/json"
	"time"
)

// Table names a change-data-capture source table.
type Table string

const (
	TableConversations Table = "conversation_states"
	TableMessages      Table = "messages"
	TableOrders        Table = "orders"
	TableUsers         Table = "users"
	TableNotifications Table = "notifications"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Valid reports whether k is one of insert, update or delete.
func (k ChangeKind) Valid() bool {
	return k == ChangeInsert || k == ChangeUpdate || k == ChangeDelete
}

// RawChange is a row change as the transport delivers it, before narrowing.
// The JSON shape is shared by every transport.
type RawChange struct {
	Table      Table           `json:"table"`
	Kind       ChangeKind      `json:"type"`
	New        json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_timestamp,omitempty"`
}

// Change is a validated row change for a single table.
// New is set for insert and update, Old whenever the transport sent it.
type Change[T any] struct {
	Kind       ChangeKind
	Table      Table
	New        *T
	Old        *T
	CommitTime time.Time
}

// Entity returns the row the change refers to: New, or Old for deletes.
func (c Change[T]) Entity() *T {
	if c.New != nil {
		return c.New
	}
	return c.Old
}
