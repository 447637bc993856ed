// Package sync implements the offline-first synchronisation engine. It
// reconciles the local store and the remote backend for each entity type,
// writes the merged collection back to both sides, and republishes it to
// live subscribers.
//
// The package contains two main components:
//
//   - [Pipeline] runs sync passes for a single entity type and owns its
//     state machine and in-flight guard.
//   - [Orchestrator] drives both pipelines: a full sync at startup, periodic
//     full syncs, and the continuous subscription-driven refresh.
package sync

import (
	"context"

	"github.com/njoerd114/bookingsync/internal/model"
)

// LocalCollection provides access to one entity type in the on-device store.
// Implemented by [store.Collection].
type LocalCollection[T model.Entity] interface {
	All(ctx context.Context) ([]T, error)
	// UpsertBatch returns the ids the store refused to write.
	UpsertBatch(ctx context.Context, vs []T) ([]string, error)
	Tombstones(ctx context.Context) ([]model.Tombstone, error)
}

// RemoteTable provides access to one entity type on the backend.
// Implemented by [remote.Table].
type RemoteTable[T model.Entity] interface {
	FetchAll(ctx context.Context) ([]T, error)
	SyncUp(ctx context.Context, vs []T) error
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context) (<-chan model.Notification, error)
}
