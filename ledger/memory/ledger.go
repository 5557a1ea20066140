// Package memory implements a mutex-guarded in-memory Ledger with a
// background sweep that converts stale seeding-grace records into
// hit-and-runs.
package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/ledger"
	"github.com/moray/moray/pkg/log"
	"github.com/moray/moray/pkg/stop"
	"github.com/moray/moray/pkg/timecache"
)

// ErrInvalidSweepInterval is returned for a SweepInterval that is less than
// or equal to zero.
var ErrInvalidSweepInterval = errors.New("invalid hit-and-run sweep interval")

// Config holds the configuration of a memory Ledger.
type Config struct {
	// MinSeedTime is the seeding duration required before a completed
	// download no longer counts as a hit-and-run.
	MinSeedTime time.Duration `yaml:"min_seed_time"`

	// InactivityTimeout is how long a seeding-grace record may go without
	// an announce before it is treated as abandoned.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// SweepInterval is how often abandoned records are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// BonusPointsPerInterval is the number of bonus points a seeder earns
	// per BonusInterval of seeding.
	BonusPointsPerInterval float64 `yaml:"bonus_points_per_interval"`

	// BonusInterval defaults to 30 minutes.
	BonusInterval time.Duration `yaml:"bonus_interval"`
}

type account struct {
	uploaded   uint64
	downloaded uint64
	bonus      float64
	hitAndRuns int
}

type pairKey struct {
	userID    uint32
	torrentID uint32
}

type hnrRecord struct {
	state     ledger.State
	seedStart int64 // unix nanos of the first left == 0 announce
	lastSeen  int64
}

type memoryLedger struct {
	cfg Config

	m        sync.RWMutex
	accounts map[uint32]*account
	pairs    map[pairKey]*hnrRecord

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ ledger.Ledger = &memoryLedger{}

// New creates a new Ledger backed by memory.
func New(cfg Config) (ledger.Ledger, error) {
	if cfg.SweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}
	if cfg.BonusInterval <= 0 {
		cfg.BonusInterval = 30 * time.Minute
	}

	l := &memoryLedger{
		cfg:      cfg,
		accounts: make(map[uint32]*account),
		pairs:    make(map[pairKey]*hnrRecord),
		closing:  make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.closing:
				return
			case <-time.After(cfg.SweepInterval):
				cutoff := timecache.Now().Add(-cfg.InactivityTimeout)
				l.sweepAbandoned(cutoff)
			}
		}
	}()

	return l, nil
}

func (l *memoryLedger) account(userID uint32) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{}
		l.accounts[userID] = a
	}
	return a
}

func (l *memoryLedger) ApplyTransfer(userID uint32, uploadedDelta, downloadedDelta uint64) error {
	l.m.Lock()
	a := l.account(userID)
	a.uploaded += uploadedDelta
	a.downloaded += downloadedDelta
	l.m.Unlock()
	return nil
}

func (l *memoryLedger) Ratio(userID uint32) float64 {
	l.m.RLock()
	defer l.m.RUnlock()

	a, ok := l.accounts[userID]
	if !ok {
		return 0
	}
	down := a.downloaded
	if down == 0 {
		down = 1
	}
	return float64(a.uploaded) / float64(down)
}

func (l *memoryLedger) BelowMinRatio(userID uint32, min float64) bool {
	l.m.RLock()
	defer l.m.RUnlock()

	a, ok := l.accounts[userID]
	if !ok || a.downloaded == 0 {
		// A user who has never downloaded cannot be penalized for their
		// ratio.
		return false
	}
	return float64(a.uploaded)/float64(a.downloaded) < min
}

func (l *memoryLedger) AwardSeedingBonus(userID uint32, seeded time.Duration) error {
	if seeded <= 0 {
		return nil
	}

	points := l.cfg.BonusPointsPerInterval * (float64(seeded) / float64(l.cfg.BonusInterval))

	l.m.Lock()
	l.account(userID).bonus += points
	l.m.Unlock()
	return nil
}

func (l *memoryLedger) UpdateHitAndRun(userID, torrentID uint32, left uint64, event bittorrent.Event) (ledger.State, error) {
	now := timecache.NowUnixNano()
	key := pairKey{userID: userID, torrentID: torrentID}

	l.m.Lock()
	defer l.m.Unlock()

	rec, ok := l.pairs[key]
	if !ok {
		rec = &hnrRecord{state: ledger.NotDownloading}
		l.pairs[key] = rec
	}
	rec.lastSeen = now

	// Terminal until an operator clears it.
	if rec.state == ledger.HitAndRun {
		return rec.state, nil
	}

	switch {
	case left > 0:
		rec.state = ledger.Downloading
		rec.seedStart = 0

	case event == bittorrent.Stopped:
		if rec.state == ledger.SeedingGrace {
			l.markHitAndRun(key, rec)
		}

	default: // left == 0, still announcing
		if rec.seedStart == 0 {
			rec.seedStart = now
		}
		if time.Duration(now-rec.seedStart) >= l.cfg.MinSeedTime {
			rec.state = ledger.Satisfied
		} else if rec.state != ledger.Satisfied {
			rec.state = ledger.SeedingGrace
		}
	}

	return rec.state, nil
}

// markHitAndRun requires l.m to be held.
func (l *memoryLedger) markHitAndRun(key pairKey, rec *hnrRecord) {
	rec.state = ledger.HitAndRun
	l.account(key.userID).hitAndRuns++
	log.Debug("ledger: recorded hit and run", log.Fields{
		"userID":    key.userID,
		"torrentID": key.torrentID,
	})
}

func (l *memoryLedger) HitAndRunCount(userID uint32) int {
	l.m.RLock()
	defer l.m.RUnlock()

	a, ok := l.accounts[userID]
	if !ok {
		return 0
	}
	return a.hitAndRuns
}

func (l *memoryLedger) UserSummary(userID uint32) ledger.Summary {
	l.m.RLock()
	defer l.m.RUnlock()

	a, ok := l.accounts[userID]
	if !ok {
		return ledger.Summary{}
	}
	down := a.downloaded
	if down == 0 {
		down = 1
	}
	return ledger.Summary{
		Uploaded:    a.uploaded,
		Downloaded:  a.downloaded,
		Ratio:       float64(a.uploaded) / float64(down),
		BonusPoints: a.bonus,
		HitAndRuns:  a.hitAndRuns,
	}
}

// sweepAbandoned converts seeding-grace records with no announce since the
// cutoff into hit-and-runs. Going silent mid-grace is the same offense as
// sending a stopped event.
func (l *memoryLedger) sweepAbandoned(cutoff time.Time) {
	cutoffUnix := cutoff.UnixNano()

	l.m.Lock()
	for key, rec := range l.pairs {
		if rec.state == ledger.SeedingGrace && rec.lastSeen <= cutoffUnix {
			l.markHitAndRun(key, rec)
		}
	}
	l.m.Unlock()
}

func (l *memoryLedger) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(l.closing)
		l.wg.Wait()
		c.Done()
	}()

	return c.Result()
}
