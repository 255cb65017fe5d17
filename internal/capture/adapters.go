package capture

import (
	"context"
	"fmt"

	"github.com/dVeza/changetrail/internal/change"
)

// feedAdapter is the shared run loop for feed-backed adapters. Variants
// differ in the Source they report and in how they shape each entry
// before emitting (token presence, prior reliability).
type feedAdapter struct {
	source change.Source
	feed   *Feed
	shape  func(pos int64, p Provisional) Provisional
}

func (a *feedAdapter) Source() change.Source { return a.source }

// Run resumes strictly above the watermark and emits until ctx is
// canceled. Emission order follows feed positions, so within this source
// records always arrive downstream in true write order.
func (a *feedAdapter) Run(ctx context.Context, from change.Watermark, emit EmitFunc) error {
	pos, err := parsePos(from.Token)
	if err != nil {
		return fmt.Errorf("adapter %s: bad watermark token %q: %w", a.source.ID, from.Token, err)
	}

	if floor := a.feed.Floor(); pos < floor {
		return &UnresumableError{SourceID: a.source.ID, Token: from.Token, Floor: formatPos(floor)}
	}

	for {
		for _, e := range a.feed.after(pos) {
			if err := emit(ctx, a.shape(e.pos, e.p)); err != nil {
				return err
			}
			pos = e.pos
		}

		select {
		case <-ctx.Done():
			return nil
		case <-a.feed.wait():
		}
	}
}

// NewTriggerAdapter captures trigger-fired payloads. Triggers fire inside
// the transaction, so entries reliably carry prior state; positions become
// source-local tokens.
func NewTriggerAdapter(id string, feed *Feed) Adapter {
	return &feedAdapter{
		source: change.Source{ID: id, Kind: change.SourceTrigger},
		feed:   feed,
		shape: func(pos int64, p Provisional) Provisional {
			p.Token = formatPos(pos)
			return p
		},
	}
}

// NewStreamAdapter captures decoded write-ahead-log entries. Positions map
// to log positions: strictly increasing tokens, prior state as the log
// records it.
func NewStreamAdapter(id string, feed *Feed) Adapter {
	return &feedAdapter{
		source: change.Source{ID: id, Kind: change.SourceLogStream},
		feed:   feed,
		shape: func(pos int64, p Provisional) Provisional {
			p.Token = formatPos(pos)
			return p
		},
	}
}

// NewHookAdapter captures intercepted application save paths. Hooks fire
// before commit and have no durable sequence token, and a pre-save hook
// cannot be trusted for prior state - both are stripped so downstream
// stages treat hook reports with exactly the confidence they deserve.
//
// With no tokens there is nothing to resume from: a hook adapter ignores
// the watermark's position within retained history and never reports
// UnresumableError for it.
func NewHookAdapter(id string, feed *Feed) Adapter {
	return &hookAdapter{feedAdapter{
		source: change.Source{ID: id, Kind: change.SourceHook},
		feed:   feed,
		shape: func(pos int64, p Provisional) Provisional {
			p.Token = ""
			p.Prior = nil
			return p
		},
	}}
}

type hookAdapter struct {
	feedAdapter
}

func (a *hookAdapter) Run(ctx context.Context, from change.Watermark, emit EmitFunc) error {
	// Resume from the current floor rather than failing on an old
	// watermark - a token-less source has no exact resume point.
	return a.feedAdapter.Run(ctx, change.Watermark{SourceID: a.source.ID, Token: formatPos(a.feed.Floor())}, emit)
}
