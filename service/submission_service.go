package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
)

// StatsMonitorInterval is the interval at which proof handle statistics are
// logged. This can be overridden before starting the service.
var StatsMonitorInterval = 60 * time.Second

// SubmissionService follows vote transactions in the background and
// reports the state of the proof handles.
type SubmissionService struct {
	Client  *submission.Client
	storage *storage.Storage
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// NewSubmission creates a new SubmissionService.
func NewSubmission(client *submission.Client, st *storage.Storage) *SubmissionService {
	return &SubmissionService{Client: client, storage: st}
}

// Start resumes the journaled transactions that were still pending and
// starts the stats monitor.
func (ss *SubmissionService) Start(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cancel != nil {
		return fmt.Errorf("service already running")
	}
	n, err := ss.Client.ResumePending()
	if err != nil {
		return fmt.Errorf("resume pending vote transactions: %w", err)
	}
	if n > 0 {
		log.Infow("following pending vote transactions", "count", n)
	}
	ctx, ss.cancel = context.WithCancel(ctx)
	ss.startStatsMonitor(ctx, StatsMonitorInterval)
	return nil
}

// Stop halts the service and waits for the background confirmations.
func (ss *SubmissionService) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cancel != nil {
		ss.cancel()
		ss.cancel = nil
	}
	ss.Client.Close()
}

func (ss *SubmissionService) startStatsMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ss.logStats()
			}
		}
	}()
}

func (ss *SubmissionService) logStats() {
	stats, err := ss.storage.ProofStats()
	if err != nil {
		log.Warnw("failed to count proof handles", "error", err)
		return
	}
	pending, err := ss.storage.PendingSubmissions()
	if err != nil {
		log.Warnw("failed to list pending submissions", "error", err)
		return
	}
	log.Infow("proof handles",
		"issued", stats[storage.HandleIssued],
		"reserved", stats[storage.HandleReserved],
		"consumed", stats[storage.HandleConsumed],
		"pendingTxs", len(pending))
}
