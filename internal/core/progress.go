package core

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
)

// progressBuffer is the channel depth of each subscriber. Slow subscribers
// miss intermediate snapshots, never the latest one at close.
const progressBuffer = 8

// ProgressPublisher pushes ledger progress snapshots of running jobs to
// subscribers, only when a snapshot differs from the last one published.
type ProgressPublisher struct {
	ledger *ledger.Ledger
	logger *slog.Logger

	// last holds the xxh3 hash of the last published snapshot per job.
	last *xsync.Map[int64, uint64]

	mu   sync.Mutex
	subs map[int64][]chan ledger.Progress
}

// NewProgressPublisher reads snapshots from l.
func NewProgressPublisher(l *ledger.Ledger, logger *slog.Logger) *ProgressPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressPublisher{
		ledger: l,
		logger: logger,
		last:   xsync.NewMap[int64, uint64](),
		subs:   make(map[int64][]chan ledger.Progress),
	}
}

// Open starts accepting subscribers for jobID.
func (p *ProgressPublisher) Open(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[jobID]; !ok {
		p.subs[jobID] = []chan ledger.Progress{}
	}
}

// Subscribe returns a channel of snapshots for jobID, primed with the
// current one, and a func that unsubscribes. The channel is closed when the
// job is closed or on unsubscribe. ok is false when jobID is not open.
func (p *ProgressPublisher) Subscribe(jobID int64) (ch <-chan ledger.Progress, cancel func(), ok bool) {
	c := make(chan ledger.Progress, progressBuffer)
	if snap, found := p.ledger.Progress(jobID); found {
		c <- snap
	}

	p.mu.Lock()
	subs, open := p.subs[jobID]
	if open {
		p.subs[jobID] = append(subs, c)
	}
	p.mu.Unlock()
	if !open {
		return nil, func() {}, false
	}

	var once sync.Once
	return c, func() {
		once.Do(func() { p.unsubscribe(jobID, c) })
	}, true
}

func (p *ProgressPublisher) unsubscribe(jobID int64, ch chan ledger.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[jobID]
	for i, c := range subs {
		if c == ch {
			p.subs[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends the current snapshot of jobID if it changed since the last
// call. It reports whether anything was published.
func (p *ProgressPublisher) Publish(jobID int64) bool {
	snap, ok := p.ledger.Progress(jobID)
	if !ok {
		return false
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	sum := xxh3.Hash(data)
	if prev, seen := p.last.Load(jobID); seen && prev == sum {
		return false
	}
	p.last.Store(jobID, sum)

	p.logger.Info("batch progress",
		"job_id", jobID,
		"status", snap.Status,
		"total_polygons", snap.Expected,
		"processed", snap.Processed,
		"skipped", snap.Skipped,
		"errors", snap.Errors,
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[jobID] {
		send(ch, snap)
	}
	return true
}

// Close publishes a final snapshot of jobID and closes its subscribers.
func (p *ProgressPublisher) Close(jobID int64) {
	p.Publish(jobID)
	p.last.Delete(jobID)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[jobID] {
		close(ch)
	}
	delete(p.subs, jobID)
}

// Subscribers returns the number of subscribers of jobID.
func (p *ProgressPublisher) Subscribers(jobID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[jobID])
}

// send delivers snap, dropping the oldest buffered snapshot when ch is full.
func send(ch chan ledger.Progress, snap ledger.Progress) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
