package sequencer

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dVeza/changetrail/internal/change"
)

// Committer persists an ordered, deduplicated event. Implemented by the
// ledger; inserted=false means the idempotency key was already committed.
// HasRecord answers whether a key is durably committed; the shards consult
// it when the in-memory window cannot answer, e.g. right after a restart.
type Committer interface {
	Commit(ctx context.Context, ev change.ChangeEvent, idempotencyKey string, reordered bool) (rec change.AuditRecord, inserted bool, err error)
	HasRecord(ctx context.Context, idempotencyKey string) (bool, error)
}

// CommitHook observes every commit decision: newly appended records
// (inserted=true) and durable-dedup hits (inserted=false). The pipeline
// uses it to advance source watermarks and wake the dispatcher.
type CommitHook func(rec change.AuditRecord, inserted bool)

// Config bounds the sequencer's buffering and ordering behavior.
type Config struct {
	// Shards is the number of independent worker loops. Events for one
	// entity always land on the same shard.
	Shards int
	// QueueSize bounds each shard's inbox; a full inbox blocks Submit,
	// which is the backpressure path to adapters.
	QueueSize int
	// DedupMaxAge and DedupMaxEntries bound the sliding dedup window.
	DedupMaxAge     time.Duration
	DedupMaxEntries int
	// SourcePriority orders source kinds most-authoritative-first for
	// cross-source tie-breaks.
	SourcePriority []change.SourceKind
	// ReorderHoldTimeout bounds how long an out-of-order event waits for
	// its predecessor before being committed flagged.
	ReorderHoldTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DedupMaxAge <= 0 {
		c.DedupMaxAge = 5 * time.Minute
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 10000
	}
	if len(c.SourcePriority) == 0 {
		c.SourcePriority = []change.SourceKind{change.SourceLogStream, change.SourceTrigger, change.SourceHook}
	}
	if c.ReorderHoldTimeout <= 0 {
		c.ReorderHoldTimeout = 3 * time.Second
	}
	return c
}

// Sequencer is the sequencing and deduplication stage.
type Sequencer struct {
	cfg       Config
	committer Committer
	onCommit  CommitHook
	logger    *slog.Logger
	shards    []*shard
	priority  map[change.SourceKind]int
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// WithCommitHook registers the commit observer.
func WithCommitHook(h CommitHook) Option {
	return func(s *Sequencer) { s.onCommit = h }
}

// New creates a Sequencer. Call Run to start the shard loops and Close to
// stop intake and drain.
func New(cfg Config, committer Committer, opts ...Option) *Sequencer {
	cfg = cfg.withDefaults()

	s := &Sequencer{
		cfg:       cfg,
		committer: committer,
		onCommit:  func(change.AuditRecord, bool) {},
		logger:    slog.Default(),
		priority:  make(map[change.SourceKind]int, len(cfg.SourcePriority)),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Lower rank = more authoritative. Kinds missing from the configured
	// order sort last.
	for i, kind := range cfg.SourcePriority {
		s.priority[kind] = i
	}

	s.shards = make([]*shard, cfg.Shards)
	for i := range s.shards {
		s.shards[i] = newShard(i, s)
	}
	return s
}

// Submit routes an event to its entity's shard. Blocks when the shard
// inbox is full (backpressure) and fails only on cancellation or after
// Close.
func (s *Sequencer) Submit(ctx context.Context, ev change.ChangeEvent) error {
	sh := s.shards[s.shardFor(ev.Entity)]
	return sh.submit(ctx, ev)
}

// Run executes all shard loops until Close is called and every shard has
// drained, or until ctx is canceled. In-flight events are committed
// before return; held events are flushed flagged rather than lost.
//
// A shard failure cancels the remaining shards so Run returns promptly
// instead of leaving a dead shard's inbox filling until external shutdown.
func (s *Sequencer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(s.shards))

	for _, sh := range s.shards {
		wg.Add(1)
		go func(sh *shard) {
			defer wg.Done()
			if err := sh.run(ctx); err != nil {
				errs <- err
				cancel()
			}
		}(sh)
	}

	wg.Wait()
	close(errs)
	// First shard error wins; a store append failure is a hard failure of
	// the stage, not something to swallow.
	return <-errs
}

// Close stops intake. Safe to call once; Submit after Close returns an
// error.
func (s *Sequencer) Close() {
	for _, sh := range s.shards {
		sh.close()
	}
}

func (s *Sequencer) shardFor(key change.EntityKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.Collection))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// rank returns the tie-break rank of a source kind, lower = wins.
func (s *Sequencer) rank(kind change.SourceKind) int {
	if r, ok := s.priority[kind]; ok {
		return r
	}
	return len(s.priority)
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = fmt.Errorf("sequencer closed")
