/*
Package storage keeps the state of the node that must outlive a single
request: generated proofs waiting to be submitted and the journal of vote
transactions.

# Storage Organization

  - ph/ : handle → ProofRecord (proof, vote limit and handle state)
  - sr/ : txHash → SubmissionRecord (vote transaction journal)
  - sv/ : voter + txHash → empty (index of submissions per voter)

A handle is consumed at most once and linked to at most one transaction.
Reservations left behind by a crash or a stuck submission are released back
to issued after a timeout, and handles never submitted expire.
*/
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/prefixeddb"
	"github.com/vocdoni/zkvote-node/log"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrHandleLinked is returned when a consumed handle already carries
	// another transaction.
	ErrHandleLinked = errors.New("proof handle is linked to another transaction")

	proofPrefix            = []byte("ph/")
	submissionPrefix       = []byte("sr/")
	submissionsVoterPrefix = []byte("sv/")

	// DefaultReservationTimeout bounds how long a submission may hold a
	// proof handle.
	DefaultReservationTimeout = 5 * time.Minute
	// DefaultHandleTTL bounds how long an issued handle waits to be
	// submitted.
	DefaultHandleTTL = 24 * time.Hour

	staleCheckInterval = time.Minute
	proofCacheSize     = 1024
)

// Storage manages proof handles and submission records on a db.Database.
type Storage struct {
	db                 db.Database
	globalLock         sync.Mutex
	cache              *lru.Cache[string, *ProofRecord]
	reservationTimeout time.Duration
	handleTTL          time.Duration
	stop               chan struct{}
	stopOnce           sync.Once
}

// New creates a Storage on database. Reservations left by a previous run are
// released and a background monitor releases stale ones.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, *ProofRecord](proofCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	s := &Storage{
		db:                 database,
		cache:              cache,
		reservationTimeout: DefaultReservationTimeout,
		handleTTL:          DefaultHandleTTL,
		stop:               make(chan struct{}),
	}
	if n, err := s.releaseStaleReservations(0); err != nil {
		log.Errorw(err, "failed to clear reservations")
	} else if n > 0 {
		log.Infow("released proof handles reserved by a previous run", "count", n)
	}
	s.monitorStaleReservations()
	return s
}

// ReservationTimeout returns how long a reservation lasts without being
// refreshed.
func (s *Storage) ReservationTimeout() time.Duration {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.reservationTimeout
}

// SetReservationTimeout changes how long a reservation lasts without being
// refreshed.
func (s *Storage) SetReservationTimeout(d time.Duration) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	s.reservationTimeout = d
}

// Close stops the background monitor and closes the database.
func (s *Storage) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

func (s *Storage) prefixed(prefix []byte) db.Database {
	return prefixeddb.NewPrefixedDatabase(s.db, prefix)
}

// setArtifact encodes artifact and stores it under prefix + key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := s.prefixed(prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact decodes the artifact stored under prefix + key into out.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := s.prefixed(prefix).Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return DecodeArtifact(data, out)
}

// listKeys returns a copy of every key under prefix + sub, without the
// prefix.
func (s *Storage) listKeys(prefix, sub []byte) ([][]byte, error) {
	var keys [][]byte
	if err := s.prefixed(prefix).Iterate(sub, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// monitorStaleReservations periodically releases proof handles reserved for
// longer than the reservation timeout and drops issued handles older than
// the handle TTL.
func (s *Storage) monitorStaleReservations() {
	ticker := time.NewTicker(staleCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.releaseStaleReservations(s.ReservationTimeout()); err != nil {
					log.Warnw("failed to release stale reservations", "error", err)
				}
				if n, err := s.expireIssuedHandles(s.handleTTL); err != nil {
					log.Warnw("failed to expire proof handles", "error", err)
				} else if n > 0 {
					log.Infow("expired unused proof handles", "count", n)
				}
			}
		}
	}()
}

// releaseStaleReservations returns reserved handles older than maxAge to
// issued. A zero maxAge releases every reservation.
func (s *Storage) releaseStaleReservations(maxAge time.Duration) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := time.Now()
	var stale []*ProofRecord
	if err := s.prefixed(proofPrefix).Iterate(nil, func(_, v []byte) bool {
		rec := &ProofRecord{}
		if err := DecodeArtifact(v, rec); err != nil {
			log.Warnw("skipping undecodable proof record", "error", err)
			return true
		}
		if rec.State == HandleReserved && now.Sub(rec.ReservedAt) >= maxAge {
			stale = append(stale, rec)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate proof handles: %w", err)
	}
	for _, rec := range stale {
		rec.State = HandleIssued
		rec.ReservedAt = time.Time{}
		if err := s.putProofUnsafe(rec); err != nil {
			return 0, err
		}
		log.Debugw("released stale proof reservation", "handle", rec.Handle)
	}
	return len(stale), nil
}

// expireIssuedHandles deletes issued handles created more than maxAge ago.
// Reserved and consumed handles are kept.
func (s *Storage) expireIssuedHandles(maxAge time.Duration) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := time.Now()
	var expired []string
	if err := s.prefixed(proofPrefix).Iterate(nil, func(_, v []byte) bool {
		rec := &ProofRecord{}
		if err := DecodeArtifact(v, rec); err != nil {
			return true
		}
		if rec.State == HandleIssued && now.Sub(rec.CreatedAt) >= maxAge {
			expired = append(expired, rec.Handle)
		}
		return true
	}); err != nil {
		return 0, fmt.Errorf("iterate proof handles: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	wTx := s.prefixed(proofPrefix).WriteTx()
	defer wTx.Discard()
	for _, handle := range expired {
		if err := wTx.Delete([]byte(handle)); err != nil {
			return 0, err
		}
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	for _, handle := range expired {
		s.cache.Remove(handle)
		log.Debugw("expired proof handle", "handle", handle)
	}
	return len(expired), nil
}
