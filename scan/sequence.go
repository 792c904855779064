package scan

import (
	"context"
	"iter"

	"github.com/roach88/strata/kv"
)

// Sequence is a lazily-pulled, single-consumption view of a cursor.
//
// Each Next call advances the underlying cursor exactly one step and
// returns exactly one item or the termination marker. Once the sequence
// terminates — by exhaustion, an error, or Close — it never resumes:
// further Next calls return the terminal result again without touching
// the cursor.
type Sequence struct {
	cur  kv.Cursor
	done bool
	err  error
}

// NewSequence wraps a cursor. The sequence assumes sole ownership:
// advancing the cursor elsewhere breaks its single-slot accounting.
func NewSequence(cur kv.Cursor) *Sequence {
	return &Sequence{cur: cur}
}

// Next returns the next item, or ok=false once the sequence has
// terminated. After an error, Next keeps returning that error.
func (s *Sequence) Next(ctx context.Context) (kv.Item, bool, error) {
	if s.done {
		return kv.Item{}, false, s.err
	}
	item, ok, err := s.cur.Next(ctx)
	if err != nil {
		s.done = true
		s.err = err
		s.cur.Close()
		return kv.Item{}, false, err
	}
	if !ok {
		s.done = true
		s.cur.Close()
		return kv.Item{}, false, nil
	}
	return item, true, nil
}

// Close terminates the sequence early. Idempotent.
func (s *Sequence) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.cur.Close()
}

// Seq adapts the sequence for range-over-func consumption. The yielded
// error, when non-nil, is the terminal error and ends the iteration.
func (s *Sequence) Seq(ctx context.Context) iter.Seq2[kv.Item, error] {
	return func(yield func(kv.Item, error) bool) {
		for {
			item, ok, err := s.Next(ctx)
			if err != nil {
				yield(kv.Item{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(item, nil) {
				s.Close()
				return
			}
		}
	}
}
