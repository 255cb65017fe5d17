package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/change"
	"github.com/dVeza/changetrail/internal/ledger"
	"github.com/dVeza/changetrail/internal/metrics"
)

// Subscription is one consumer's view of the audit trail. Records arrive
// on Records() in sequence order; the consumer acknowledges progress with
// Ack. Unacknowledged records are redelivered.
type Subscription struct {
	d          *Dispatcher
	consumerID string

	out    chan change.AuditRecord
	acks   chan int64
	wake   chan struct{}
	done   chan struct{}
	offset int64

	closeOnce sync.Once
}

// inflightRecord is a delivered-but-unacknowledged record.
type inflightRecord struct {
	rec       change.AuditRecord
	attempts  int
	nextSend  time.Time
	delivered bool
}

func newSubscription(d *Dispatcher, consumerID string, offset int64) *Subscription {
	return &Subscription{
		d:          d,
		consumerID: consumerID,
		out:        make(chan change.AuditRecord, d.cfg.WindowSize),
		acks:       make(chan int64, d.cfg.WindowSize),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		offset:     offset,
	}
}

// Records returns the delivery channel. It is closed when the
// subscription stops.
func (s *Subscription) Records() <-chan change.AuditRecord {
	return s.out
}

// Ack acknowledges every record up to and including seq. Acknowledged
// records are never redelivered and the offset is persisted so a restart
// resumes past them.
func (s *Subscription) Ack(seq int64) {
	select {
	case s.acks <- seq:
	case <-s.done:
	}
}

// Close stops the delivery loop. Pending unacknowledged records will be
// redelivered after the next Register.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the delivery loop. Single goroutine owns all loop state: the
// read cursor, the in-flight window, and the acknowledged offset.
func (s *Subscription) run(ctx context.Context) {
	defer s.d.unregister(s.consumerID)
	defer close(s.out)

	var (
		offset   = s.offset // highest contiguously settled seq
		cursor   = s.offset // highest seq pulled from the ledger
		inflight []*inflightRecord
		settled  = make(map[int64]bool) // dead-lettered ahead of the offset
	)

	persist := func(seq int64) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.d.store.SetConsumerOffset(pctx, s.consumerID, seq); err != nil {
			s.d.logger.Error("persist consumer offset failed",
				"consumer", s.consumerID, "seq", seq, "error", err)
		}
	}

	// advance moves the settled offset over every contiguously settled
	// sequence and persists the result.
	advance := func() {
		moved := false
		for settled[offset+1] {
			delete(settled, offset+1)
			offset++
			moved = true
		}
		if moved {
			persist(offset)
		}
	}

	settle := func(upTo int64) {
		kept := inflight[:0]
		for _, f := range inflight {
			if f.rec.Seq <= upTo {
				settled[f.rec.Seq] = true
			} else {
				kept = append(kept, f)
			}
		}
		inflight = kept
		advance()
	}

	for {
		// Settle any queued acknowledgements first.
		for {
			select {
			case seq := <-s.acks:
				settle(seq)
				continue
			default:
			}
			break
		}

		// Refill the window from the ledger.
		if len(inflight) < s.d.cfg.WindowSize {
			recs, err := s.d.store.Read(ctx, cursor, s.d.cfg.WindowSize-len(inflight))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.d.logger.Error("ledger read failed", "consumer", s.consumerID, "error", err)
			}
			for _, rec := range recs {
				inflight = append(inflight, &inflightRecord{rec: rec})
				cursor = rec.Seq
			}
		}

		// Deliver the lowest-seq record that is due.
		now := time.Now()
		var due *inflightRecord
		for _, f := range inflight {
			if f.nextSend.After(now) {
				continue
			}
			if due == nil || f.rec.Seq < due.rec.Seq {
				due = f
			}
		}

		if due != nil {
			if due.attempts >= s.d.cfg.MaxAttempts {
				s.deadLetter(due)
				settled[due.rec.Seq] = true
				inflight = removeInflight(inflight, due.rec.Seq)
				advance()
				continue
			}

			select {
			case s.out <- due.rec:
				due.attempts++
				due.nextSend = now.Add(s.backoff(due.attempts))
				metrics.Deliveries.WithLabelValues(s.consumerID).Inc()
				if due.delivered {
					metrics.DeliveryRetries.WithLabelValues(s.consumerID).Inc()
					s.d.logger.Debug("record redelivered",
						"consumer", s.consumerID, "seq", due.rec.Seq, "attempt", due.attempts)
				}
				due.delivered = true
				continue
			case seq := <-s.acks:
				settle(seq)
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		// Nothing due: sleep until the next retry, a new commit, or an ack.
		timer := time.NewTimer(s.sleepFor(inflight, now))
		select {
		case seq := <-s.acks:
			timer.Stop()
			settle(seq)
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// deadLetter records a poison record for this consumer and moves on.
func (s *Subscription) deadLetter(f *inflightRecord) {
	payload, err := json.Marshal(f.rec)
	if err != nil {
		payload = []byte(fmt.Sprintf("{\"seq\":%d}", f.rec.Seq))
	}
	reason := fmt.Sprintf("delivery failed after %d attempts", f.attempts)

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.d.store.WriteDeadLetter(dctx, ledger.StageDispatch, s.consumerID, reason, string(payload)); err != nil {
		s.d.logger.Error("dead letter write failed",
			"consumer", s.consumerID, "seq", f.rec.Seq, "error", err)
	}
	metrics.DeadLetters.WithLabelValues(ledger.StageDispatch).Inc()
	s.d.logger.Warn("record dead-lettered",
		"consumer", s.consumerID, "seq", f.rec.Seq, "attempts", f.attempts)
}

// backoff returns the delay before redelivery attempt n+1: exponential
// from the base, capped, with half-range jitter so retries spread out.
func (s *Subscription) backoff(attempts int) time.Duration {
	d := s.d.cfg.RetryBase
	for i := 1; i < attempts && d < s.d.cfg.RetryCap; i++ {
		d *= 2
	}
	if d > s.d.cfg.RetryCap {
		d = s.d.cfg.RetryCap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleepFor picks the idle wait: the earliest pending retry, or the poll
// interval when the window is empty.
func (s *Subscription) sleepFor(inflight []*inflightRecord, now time.Time) time.Duration {
	wait := s.d.cfg.PollInterval
	for _, f := range inflight {
		if d := f.nextSend.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func removeInflight(inflight []*inflightRecord, seq int64) []*inflightRecord {
	kept := inflight[:0]
	for _, f := range inflight {
		if f.rec.Seq != seq {
			kept = append(kept, f)
		}
	}
	return kept
}
