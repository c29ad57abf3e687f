// Package inbac implements the per-transaction INBAC phase engine: the
// two-phase vote-exchange state machine of spec §4.1, its vote
// aggregator (§4.2), and the lifecycle glue that registers instances by
// id, buffers early-arriving messages, and gates deletion (§4.4, §5).
//
// Grounded on goshawkdb.io/server/txnengine.Txn's own phase-driven state
// machine (txnDetermineLocalBallots -> txnAwaitLocalBallots -> ... ->
// txnReceiveCompletion), generalized here to INBAC's phase/decide model.
package inbac

import (
	"fmt"

	"github.com/fdemoor/yesquel/bitset"
)

// Role is a participant's position relative to F, the assumed maximum
// number of simultaneous crashes (spec §3).
type Role int

const (
	// RoleBackup participants (rank < F) actively broadcast in phase 0
	// and phase 1.
	RoleBackup Role = iota
	// RoleCoordinator is the single participant at rank F.
	RoleCoordinator
	// RoleFollower participants (rank > F) are passive: they consume
	// backup reports and, as a last resort, answer help requests.
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleBackup:
		return "backup"
	case RoleCoordinator:
		return "coordinator"
	case RoleFollower:
		return "follower"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// MaxCrashed computes F = min(maxNbCrashed, n-1), the assumed maximum
// number of simultaneous crashes for an n-participant instance (spec §3).
func MaxCrashed(maxNbCrashed, n int) int {
	if maxNbCrashed > n-1 {
		return n - 1
	}
	if maxNbCrashed < 0 {
		return 0
	}
	return maxNbCrashed
}

// RoleForRank returns rank's role given F.
func RoleForRank(rank, f int) Role {
	switch {
	case rank < f:
		return RoleBackup
	case rank == f:
		return RoleCoordinator
	default:
		return RoleFollower
	}
}

// report is one phase-1 entry of collection1: a reporter's collected
// phase-0 votes, their conjunction, and whether the reporter itself had
// seen all N phase-0 votes when it sent the report (spec's resolved
// "allFlag on every type-1 report" encoding - see DESIGN.md).
type report struct {
	owners *bitset.Set
	vote   bool
	all    bool
}
