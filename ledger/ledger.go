// Package ledger tracks per-user transfer totals, share ratios, seeding bonus
// points and hit-and-run state. It is the accounting half of announce
// handling; the swarm membership half lives in package storage.
package ledger

import (
	"time"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/pkg/stop"
)

// State is the hit-and-run state of one (user, torrent) pair.
type State uint8

const (
	// NotDownloading is the initial state: the user has never announced
	// the torrent.
	NotDownloading State = iota

	// Downloading means the user has announced with bytes left.
	Downloading

	// SeedingGrace means the user finished downloading but has not yet
	// seeded for the required minimum duration.
	SeedingGrace

	// Satisfied means the user seeded for at least the required duration.
	Satisfied

	// HitAndRun means the user stopped or went inactive during
	// SeedingGrace. The state is terminal until cleared by an operator.
	HitAndRun
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case NotDownloading:
		return "not downloading"
	case Downloading:
		return "downloading"
	case SeedingGrace:
		return "seeding grace"
	case Satisfied:
		return "satisfied"
	case HitAndRun:
		return "hit and run"
	}
	panic("ledger: state has no associated name")
}

// Summary is a read-only snapshot of one user's accounting.
type Summary struct {
	Uploaded    uint64
	Downloaded  uint64
	Ratio       float64
	BonusPoints float64
	HitAndRuns  int
}

// Ledger is the interface to a user accounting store.
//
// Implementations must support concurrent use; per-user atomicity is
// sufficient, no cross-user transaction is required.
type Ledger interface {
	// ApplyTransfer accumulates lifetime upload/download totals for the
	// user. Deltas of zero are valid and recorded as a no-op.
	ApplyTransfer(userID uint32, uploadedDelta, downloadedDelta uint64) error

	// Ratio returns uploaded / max(downloaded, 1) for the user.
	Ratio(userID uint32) float64

	// BelowMinRatio reports whether the user's ratio is below min. Users
	// with no recorded download are never below the minimum.
	BelowMinRatio(userID uint32, min float64) bool

	// AwardSeedingBonus credits bonus points for the given seeding
	// duration since the previous announce.
	AwardSeedingBonus(userID uint32, seeded time.Duration) error

	// UpdateHitAndRun advances the hit-and-run state machine for the
	// (user, torrent) pair and returns the resulting state. HitAndRun is
	// terminal: once reached, no announce changes it.
	UpdateHitAndRun(userID, torrentID uint32, left uint64, event bittorrent.Event) (State, error)

	// HitAndRunCount returns how many of the user's (user, torrent) pairs
	// are in the HitAndRun state.
	HitAndRunCount(userID uint32) int

	// UserSummary returns a snapshot of the user's accounting.
	UserSummary(userID uint32) Summary

	stop.Stopper
}
