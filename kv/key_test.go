package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Key
	}{
		{"int becomes int64", int(7), int64(7)},
		{"int32 becomes int64", int32(-3), int64(-3)},
		{"uint becomes int64", uint(9), int64(9)},
		{"float64 passes through", 2.5, 2.5},
		{"float32 widens", float32(1.5), 1.5},
		{"string passes through", "abc", "abc"},
		{"bytes pass through", []byte{1, 2}, []byte{1, 2}},
		{"composite normalizes elementwise", []any{int(1), "x"}, []any{int64(1), "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKey(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []any{nil, true, map[string]any{}, []any{nil}} {
		_, err := NormalizeKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "%T must be rejected", bad)
	}
}

func TestCompareKeysClassOrder(t *testing.T) {
	// number < string < binary < composite, whatever the values.
	ordered := []Key{int64(999), "a", []byte{0}, []any{int64(1)}}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			got := CompareKeys(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Equal(t, -1, got, "%v must sort before %v", ordered[i], ordered[j])
			case i > j:
				assert.Equal(t, 1, got)
			default:
				assert.Equal(t, 0, got)
			}
		}
	}
}

func TestCompareKeysWithinClass(t *testing.T) {
	assert.Equal(t, -1, CompareKeys(int64(2), int64(10)))
	assert.Equal(t, 0, CompareKeys(int64(2), float64(2)), "ints and floats compare numerically")
	assert.Equal(t, 1, CompareKeys(2.5, int64(2)))
	assert.Equal(t, -1, CompareKeys("alpha", "beta"))
	assert.Equal(t, -1, CompareKeys([]byte{1}, []byte{1, 0}))
	assert.Equal(t, -1, CompareKeys([]any{"a", int64(1)}, []any{"a", int64(2)}))
	assert.Equal(t, -1, CompareKeys([]any{"a"}, []any{"a", int64(0)}), "a prefix sorts before its extension")
}

func TestCompareKeysLargeIntegers(t *testing.T) {
	// Adjacent int64 values beyond 2^53 collapse under a float64
	// round-trip; integer pairs must compare exactly.
	const big = int64(1) << 53
	assert.Equal(t, -1, CompareKeys(big, big+1))
	assert.Equal(t, 1, CompareKeys(big+1, big))
	assert.Equal(t, 0, CompareKeys(big+1, big+1))
	assert.Equal(t, -1, CompareKeys(-big-1, -big))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	keys := []Key{
		int64(42),
		-1.5,
		"user-1",
		[]any{"acme", int64(7)},
	}
	for _, key := range keys {
		enc, err := EncodeKey(key)
		require.NoError(t, err)
		dec, err := DecodeKey(enc)
		require.NoError(t, err)
		assert.Equal(t, 0, CompareKeys(key, dec), "decoded key must compare equal to the original: %v", key)
	}
}

func TestEncodeKeyDistinguishesClasses(t *testing.T) {
	// "1" the string and 1 the number must never collide.
	num, err := EncodeKey(int64(1))
	require.NoError(t, err)
	str, err := EncodeKey("1")
	require.NoError(t, err)
	assert.NotEqual(t, num, str)
}

func TestKeyFromRecord(t *testing.T) {
	rec := Record{"tenant": "acme", "seq": int64(3), "body": "x"}

	key, err := KeyFromRecord(rec, []string{"tenant"})
	require.NoError(t, err)
	assert.Equal(t, "acme", key)

	key, err = KeyFromRecord(rec, []string{"tenant", "seq"})
	require.NoError(t, err)
	assert.Equal(t, []any{"acme", int64(3)}, key)

	_, err = KeyFromRecord(rec, []string{"missing"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = KeyFromRecord(Record{"id": nil}, []string{"id"})
	assert.ErrorIs(t, err, ErrInvalidKey, "nil key fields count as missing")
}

func TestIndexKey(t *testing.T) {
	rec := Record{"email": "a@b.c", "age": int64(30)}

	key, ok := IndexKey(rec, IndexSpec{Name: "by_email", Fields: []string{"email"}})
	require.True(t, ok)
	assert.Equal(t, "a@b.c", key)

	key, ok = IndexKey(rec, IndexSpec{Name: "by_both", Fields: []string{"email", "age"}})
	require.True(t, ok)
	assert.Equal(t, []any{"a@b.c", int64(30)}, key)

	_, ok = IndexKey(rec, IndexSpec{Name: "by_name", Fields: []string{"name"}})
	assert.False(t, ok, "a record without the indexed field has no index key")

	_, ok = IndexKey(Record{"email": "a@b.c"}, IndexSpec{Name: "by_both", Fields: []string{"email", "age"}})
	assert.False(t, ok, "every field of a compound index must be present")
}

func TestCloneRecordIsDeep(t *testing.T) {
	rec := Record{"id": "r1", "tags": []any{"a", "b"}, "meta": map[string]any{"k": "v"}}
	clone, err := CloneRecord(rec)
	require.NoError(t, err)

	clone["id"] = "r2"
	clone["meta"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "r1", rec["id"])
	assert.Equal(t, "v", rec["meta"].(map[string]any)["k"])
}
