package sync

import (
	"time"

	"github.com/njoerd114/bookingsync/internal/merge"
	"github.com/njoerd114/bookingsync/internal/model"
)

// Stage is the position of a pipeline in its sync pass.
//
//	Idle → Fetching → Merging → PersistingLocal → PersistingRemote → Idle
//	any stage → Failed → Idle
type Stage int

const (
	StageIdle Stage = iota
	StageFetching
	StageMerging
	StagePersistingLocal
	StagePersistingRemote
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageMerging:
		return "merging"
	case StagePersistingLocal:
		return "persisting-local"
	case StagePersistingRemote:
		return "persisting-remote"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one completed sync pass.
type Result struct {
	Type  model.EntityType
	Merge merge.Stats

	// WrittenLocal and PushedRemote count entities written to each side.
	// SkippedLocal counts rows the store refused (orphaned appointments);
	// they are not in WrittenLocal and not published.
	WrittenLocal int
	SkippedLocal int
	PushedRemote int
	// Suppressed counts entities dropped because of a tombstone;
	// DeletedRemote counts how many of them were removed from the backend.
	Suppressed    int
	DeletedRemote int
}

// Status is a snapshot of a pipeline's state.
type Status struct {
	Stage    Stage
	LastRun  time.Time
	LastErr  error
	LastPass Result
}
