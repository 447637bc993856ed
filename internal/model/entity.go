// Package model defines the entity types shared by the local store, the
// remote client, the merge engine, and the sync orchestrator.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names one synchronised entity collection.
type EntityType string

const (
	// TypePatient is the patient collection.
	TypePatient EntityType = "patient"
	// TypeAppointment is the appointment collection.
	TypeAppointment EntityType = "appointment"
)

// EntityTypes lists every synchronised collection in pipeline order.
var EntityTypes = []EntityType{TypePatient, TypeAppointment}

// Table returns the table name used for the type both in the local database
// and on the remote backend.
func (t EntityType) Table() string {
	switch t {
	case TypePatient:
		return "patients"
	case TypeAppointment:
		return "appointments"
	default:
		return ""
	}
}

// String returns the type name.
func (t EntityType) String() string { return string(t) }

// Entity is implemented by every record the sync engine reconciles.
type Entity interface {
	// EntityID is the client-generated identifier. It never changes once
	// assigned and is unique within the entity's collection.
	EntityID() string

	// LastModified is the monotonic last-modified timestamp used for
	// last-write-wins conflict resolution.
	LastModified() time.Time

	// ContentHash digests the user-visible fields. Timestamps are excluded.
	ContentHash() string
}

// NewID returns a fresh client-side identifier. Identifiers are assigned
// before a record ever reaches the remote so offline-created records merge
// later without rewriting foreign keys.
func NewID() string {
	return uuid.NewString()
}

// NextModified returns the modification timestamp for an entity that was last
// modified at prev and is being written at now. The result has millisecond
// precision (the wire resolution) and is strictly after prev even when the
// wall clock stalls or steps backwards.
func NextModified(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		return prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return now
}

// Notification is the lightweight signal delivered by a remote change
// subscription. It carries no payload: receivers re-fetch the collection.
type Notification struct {
	Type EntityType
	// Event is the backend event name (e.g. "INSERT"), informational only.
	Event string
	At    time.Time
}

// Tombstone records that an entity was deleted locally so a later merge does
// not resurrect it from the other side.
type Tombstone struct {
	Type      EntityType
	ID        string
	DeletedAt time.Time
}
