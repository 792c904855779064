package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyRangeContains(t *testing.T) {
	tests := []struct {
		name string
		r    KeyRange
		in   []Key
		out  []Key
	}{
		{
			name: "unbounded contains everything",
			r:    Unbounded(),
			in:   []Key{int64(0), "z", []byte{255}, []any{"a"}},
		},
		{
			name: "only matches exactly",
			r:    Only("k"),
			in:   []Key{"k"},
			out:  []Key{"j", "kk", int64(1)},
		},
		{
			name: "closed interval includes bounds",
			r:    Bound(int64(10), int64(20), false, false),
			in:   []Key{int64(10), int64(15), int64(20)},
			out:  []Key{int64(9), int64(21)},
		},
		{
			name: "open bounds exclude endpoints",
			r:    Bound(int64(10), int64(20), true, true),
			in:   []Key{int64(11), 19.5},
			out:  []Key{int64(10), int64(20)},
		},
		{
			name: "open lower bound beyond 2^53 stays exact",
			r:    LowerBound(int64(1)<<53+1, true),
			in:   []Key{int64(1)<<53 + 2},
			out:  []Key{int64(1) << 53, int64(1)<<53 + 1},
		},
		{
			name: "half-bounded lower",
			r:    LowerBound("m", false),
			in:   []Key{"m", "z", []byte{0}},
			out:  []Key{"a", int64(999)},
		},
		{
			name: "half-bounded upper open",
			r:    UpperBound("m", true),
			in:   []Key{"a", int64(1)},
			out:  []Key{"m", "z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range tt.in {
				assert.True(t, tt.r.Contains(k), "%v should be inside", k)
			}
			for _, k := range tt.out {
				assert.False(t, tt.r.Contains(k), "%v should be outside", k)
			}
		})
	}
}
