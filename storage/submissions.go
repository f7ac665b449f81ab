package storage

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

func voterKey(voter, txHash string) []byte {
	return []byte(strings.ToLower(voter) + "/" + strings.ToLower(txHash))
}

// AddSubmission journals a new vote transaction.
func (s *Storage) AddSubmission(rec *SubmissionRecord) error {
	if rec == nil || rec.TxHash == "" {
		return fmt.Errorf("submission record requires a transaction hash")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := time.Now()
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = SubmissionPending
	}
	data, err := EncodeArtifact(&stored)
	if err != nil {
		return err
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(append(slices.Clone(submissionPrefix), strings.ToLower(rec.TxHash)...), data); err != nil {
		return err
	}
	if stored.Voter != "" {
		if err := wTx.Set(append(slices.Clone(submissionsVoterPrefix), voterKey(stored.Voter, stored.TxHash)...), nil); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// Submission returns the journal entry of txHash.
func (s *Storage) Submission(txHash string) (*SubmissionRecord, error) {
	rec := &SubmissionRecord{}
	if err := s.getArtifact(submissionPrefix, []byte(strings.ToLower(txHash)), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateSubmission applies fn to the entry of txHash and stores the result.
// Final entries are left untouched.
func (s *Storage) UpdateSubmission(txHash string, fn func(*SubmissionRecord)) (*SubmissionRecord, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	rec := &SubmissionRecord{}
	key := []byte(strings.ToLower(txHash))
	if err := s.getArtifact(submissionPrefix, key, rec); err != nil {
		return nil, err
	}
	if rec.Status.Final() {
		return rec, nil
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	if err := s.setArtifact(submissionPrefix, key, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// VoterSubmissions lists the journal entries of voter, oldest first.
func (s *Storage) VoterSubmissions(voter string) ([]*SubmissionRecord, error) {
	keys, err := s.listKeys(submissionsVoterPrefix, []byte(strings.ToLower(voter)+"/"))
	if err != nil {
		return nil, err
	}
	recs := make([]*SubmissionRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := s.Submission(string(k))
		if err != nil {
			return nil, fmt.Errorf("submission %s: %w", k, err)
		}
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *SubmissionRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return recs, nil
}

// PendingSubmissions lists the entries still waiting for a receipt.
func (s *Storage) PendingSubmissions() ([]*SubmissionRecord, error) {
	var pending []*SubmissionRecord
	var decodeErr error
	if err := s.prefixed(submissionPrefix).Iterate(nil, func(_, v []byte) bool {
		rec := &SubmissionRecord{}
		if decodeErr = DecodeArtifact(v, rec); decodeErr != nil {
			return false
		}
		if !rec.Status.Final() {
			pending = append(pending, rec)
		}
		return true
	}); err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return pending, nil
}
