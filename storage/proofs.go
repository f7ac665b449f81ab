package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
)

func cloneRecord(rec *ProofRecord) *ProofRecord {
	out := *rec
	out.Proof = rec.Proof.Clone()
	return &out
}

// StoreProof saves a freshly generated proof under rec.Handle in the issued
// state.
func (s *Storage) StoreProof(rec *ProofRecord) error {
	if rec == nil || rec.Handle == "" || rec.Proof == nil {
		return fmt.Errorf("proof record requires a handle and a proof")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if _, err := s.proofUnsafe(rec.Handle); err == nil {
		return fmt.Errorf("proof handle %s already exists", rec.Handle)
	} else if !errors.Is(err, types.ErrProofHandleNotFound) {
		return err
	}
	stored := cloneRecord(rec)
	stored.State = HandleIssued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	return s.putProofUnsafe(stored)
}

// Proof returns a copy of the record stored under handle.
func (s *Storage) Proof(handle string) (*ProofRecord, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// ReserveProof moves an issued handle to reserved and returns its record.
// Only one submission can hold a handle at a time.
func (s *Storage) ReserveProof(handle string) (*ProofRecord, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case HandleConsumed:
		return nil, fmt.Errorf("%w: %s", types.ErrProofHandleConsumed, handle)
	case HandleReserved:
		return nil, fmt.Errorf("%w: %s", types.ErrProofHandleBusy, handle)
	}
	updated := cloneRecord(rec)
	updated.State = HandleReserved
	updated.ReservedAt = time.Now()
	if err := s.putProofUnsafe(updated); err != nil {
		return nil, err
	}
	return cloneRecord(updated), nil
}

// ConsumeProof marks a reserved handle as used. txHash, if known, links the
// handle to the transaction that carried the proof.
func (s *Storage) ConsumeProof(handle, txHash string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return err
	}
	if rec.State == HandleConsumed {
		return fmt.Errorf("%w: %s", types.ErrProofHandleConsumed, handle)
	}
	updated := cloneRecord(rec)
	updated.State = HandleConsumed
	updated.TxHash = txHash
	updated.ReservedAt = time.Time{}
	log.Debugw("proof handle consumed", "handle", handle, "txHash", txHash)
	return s.putProofUnsafe(updated)
}

// ReleaseProof returns a reserved handle to issued so it can be submitted
// again.
func (s *Storage) ReleaseProof(handle string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return err
	}
	if rec.State != HandleReserved {
		return nil
	}
	updated := cloneRecord(rec)
	updated.State = HandleIssued
	updated.ReservedAt = time.Time{}
	return s.putProofUnsafe(updated)
}

// RefreshReservation renews the reservation of handle so the stale monitor
// leaves it alone while its holder is still broadcasting.
func (s *Storage) RefreshReservation(handle string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return err
	}
	if rec.State != HandleReserved {
		return fmt.Errorf("proof handle %s is %s, not reserved", handle, rec.State)
	}
	updated := cloneRecord(rec)
	updated.ReservedAt = time.Now()
	return s.putProofUnsafe(updated)
}

// LinkProof records txHash as the transaction carrying the proof of a
// consumed handle. A handle carries one transaction only: linking it again
// to the same hash is a no-op and linking it to another one fails with
// ErrHandleLinked.
func (s *Storage) LinkProof(handle, txHash string) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return err
	}
	switch {
	case rec.State != HandleConsumed:
		return fmt.Errorf("proof handle %s is %s, not consumed", handle, rec.State)
	case strings.EqualFold(rec.TxHash, txHash):
		return nil
	case rec.TxHash != "":
		return fmt.Errorf("%w: %s carries %s", ErrHandleLinked, handle, rec.TxHash)
	}
	updated := cloneRecord(rec)
	updated.TxHash = txHash
	return s.putProofUnsafe(updated)
}

// RestoreProof returns a consumed handle to issued once txHash, the
// transaction that carried its proof, failed on the ledger for a reason
// other than a double vote. It reports false when the handle is no longer
// linked to txHash.
func (s *Storage) RestoreProof(handle, txHash string) (bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec, err := s.proofUnsafe(handle)
	if err != nil {
		return false, err
	}
	if rec.State != HandleConsumed || txHash == "" || !strings.EqualFold(rec.TxHash, txHash) {
		return false, nil
	}
	updated := cloneRecord(rec)
	updated.State = HandleIssued
	updated.TxHash = ""
	if err := s.putProofUnsafe(updated); err != nil {
		return false, err
	}
	log.Debugw("proof handle restored", "handle", handle, "failedTx", txHash)
	return true, nil
}

// ProofStats counts the stored handles per state.
func (s *Storage) ProofStats() (map[HandleState]int, error) {
	stats := map[HandleState]int{}
	if err := s.prefixed(proofPrefix).Iterate(nil, func(_, v []byte) bool {
		rec := &ProofRecord{}
		if err := DecodeArtifact(v, rec); err == nil {
			stats[rec.State]++
		}
		return true
	}); err != nil {
		return nil, err
	}
	return stats, nil
}

// proofUnsafe reads a record without taking the global lock. The returned
// record is shared with the cache and must not be modified.
func (s *Storage) proofUnsafe(handle string) (*ProofRecord, error) {
	if handle == "" {
		return nil, types.ErrProofHandleNotFound
	}
	if rec, ok := s.cache.Get(handle); ok {
		return rec, nil
	}
	rec := &ProofRecord{}
	if err := s.getArtifact(proofPrefix, []byte(handle), rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrProofHandleNotFound, handle)
		}
		return nil, err
	}
	s.cache.Add(handle, rec)
	return rec, nil
}

func (s *Storage) putProofUnsafe(rec *ProofRecord) error {
	s.cache.Remove(rec.Handle)
	if err := s.setArtifact(proofPrefix, []byte(rec.Handle), rec); err != nil {
		return fmt.Errorf("store proof handle: %w", err)
	}
	s.cache.Add(rec.Handle, rec)
	return nil
}
