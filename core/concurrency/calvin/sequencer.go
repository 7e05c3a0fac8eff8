package calvin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shardtx/txcore/core/concurrency/txn"
)

// Sequencer accepts a stream of transaction requests and seals them into
// batches at fixed epoch boundaries (spec.md §4.7 "Sequencer", e.g. 10ms).
// The order within a sealed batch is simply arrival order at this
// sequencer — deterministic in the sense that matters here: two schedulers
// fed the identical sequence of sealed batches (however that sequence
// reached them — a replicated log in a real deployment) produce identical
// results, which is the invariant spec.md §4.7 states and
// core/concurrency/calvin/scheduler_test.go exercises. Reproducing that
// sequence across nodes is the replicated log's job, not this type's.
type Sequencer struct {
	epoch  time.Duration
	onSeal func(Batch)
	log    *zap.Logger

	submitCh chan txn.Request
	doneCh   chan struct{}
	seq      uint64
}

// NewSequencer returns a Sequencer that seals whatever has arrived since
// the last tick every epoch, handing each sealed Batch to onSeal.
func NewSequencer(epoch time.Duration, onSeal func(Batch), log *zap.Logger) *Sequencer {
	return &Sequencer{
		epoch:    epoch,
		onSeal:   onSeal,
		log:      log,
		submitCh: make(chan txn.Request, 256),
		doneCh:   make(chan struct{}),
	}
}

// Submit enqueues req for the next epoch boundary's batch. Safe to call
// from any goroutine.
func (s *Sequencer) Submit(req txn.Request) {
	s.submitCh <- req
}

// Run drives the epoch loop until ctx is done. An epoch tick with nothing
// pending seals no batch — an empty batch would still need to flow through
// the scheduler and collector for no purpose. On shutdown, any
// still-pending requests are sealed as one final partial batch rather than
// dropped.
func (s *Sequencer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.epoch)
	defer ticker.Stop()

	var pending []txn.Request
	for {
		select {
		case req := <-s.submitCh:
			pending = append(pending, req)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			s.seal(pending)
			pending = nil
		case <-ctx.Done():
			if len(pending) > 0 {
				s.seal(pending)
			}
			close(s.doneCh)
			return
		}
	}
}

func (s *Sequencer) seal(txns []txn.Request) {
	s.seq++
	batch := Batch{ID: uuid.New(), Seq: s.seq, Txns: txns}
	if s.log != nil {
		s.log.Info("sealed calvin batch", zap.Uint64("seq", batch.Seq), zap.Int("size", len(txns)))
	}
	s.onSeal(batch)
}

// Done reports when Run has returned after ctx was cancelled.
func (s *Sequencer) Done() <-chan struct{} { return s.doneCh }
