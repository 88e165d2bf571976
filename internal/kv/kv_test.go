package kv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvengine/jdb/internal/kv"
)

func TestOrder_Cmp(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		order kv.Order
		a, b  string
		want  int
	}{
		{name: "AscLess", order: kv.Asc, a: "a", b: "b", want: -1},
		{name: "AscEqual", order: kv.Asc, a: "a", b: "a", want: 0},
		{name: "AscGreater", order: kv.Asc, a: "b", b: "a", want: 1},
		{name: "DescLess", order: kv.Desc, a: "a", b: "b", want: 1},
		{name: "DescGreater", order: kv.Desc, a: "b", b: "a", want: -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.order.Cmp([]byte(tc.a), []byte(tc.b))
			switch {
			case tc.want < 0:
				assert.Negative(t, got)
			case tc.want > 0:
				assert.Positive(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestOrder_Less(t *testing.T) {
	t.Parallel()
	assert.True(t, kv.Asc.Less([]byte("a"), []byte("b")))
	assert.False(t, kv.Asc.Less([]byte("b"), []byte("a")))
	assert.True(t, kv.Desc.Less([]byte("b"), []byte("a")))
}

func TestRange_Contains(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		rng   kv.Range
		key   string
		want  bool
	}{
		{name: "Unbounded", rng: kv.Range{Lo: kv.Unbound(), Hi: kv.Unbound()}, key: "anything", want: true},
		{name: "InclusiveLoBoundary", rng: kv.Range{Lo: kv.Inclusive([]byte("b"))}, key: "b", want: true},
		{name: "ExclusiveLoBoundary", rng: kv.Range{Lo: kv.Exclusive([]byte("b"))}, key: "b", want: false},
		{name: "InclusiveHiBoundary", rng: kv.Range{Hi: kv.Inclusive([]byte("m"))}, key: "m", want: true},
		{name: "ExclusiveHiBoundary", rng: kv.Range{Hi: kv.Exclusive([]byte("m"))}, key: "m", want: false},
		{
			name: "WithinBothBounds",
			rng:  kv.Range{Lo: kv.Inclusive([]byte("a")), Hi: kv.Exclusive([]byte("z"))},
			key:  "m",
			want: true,
		},
		{
			name: "BelowLoBound",
			rng:  kv.Range{Lo: kv.Inclusive([]byte("m"))},
			key:  "a",
			want: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.rng.Contains([]byte(tc.key), kv.Asc))
		})
	}
}

func TestPos_Tombstone(t *testing.T) {
	t.Parallel()

	pos := kv.Tombstone()
	assert.True(t, pos.IsTombstone())
	assert.Zero(t, pos.RealOffset())

	live := kv.Pos{VlogID: 3, Offset: 128}
	assert.False(t, live.IsTombstone())
	assert.Equal(t, uint64(128), live.RealOffset())
}

func TestPos_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	pos := kv.Pos{VlogID: 42, Offset: 1 << 20}
	buf := make([]byte, kv.PosSize)
	pos.Encode(buf)

	got := kv.DecodePos(buf)
	require.Equal(t, pos, got)
}

func TestEncodeDecodeValue_Inline(t *testing.T) {
	t.Parallel()

	blob := kv.EncodeValue(true, kv.Pos{}, []byte("hello"))
	inline, pos, inlineVal := kv.DecodeValue(blob)

	assert.True(t, inline)
	assert.Equal(t, kv.Pos{}, pos)
	assert.Equal(t, []byte("hello"), inlineVal)
}

func TestEncodeDecodeValue_Pos(t *testing.T) {
	t.Parallel()

	want := kv.Pos{VlogID: 7, Offset: 99}
	blob := kv.EncodeValue(false, want, nil)
	inline, pos, inlineVal := kv.DecodeValue(blob)

	assert.False(t, inline)
	assert.Equal(t, want, pos)
	assert.Empty(t, inlineVal)
}

func TestDecodeValue_EmptyIsTombstone(t *testing.T) {
	t.Parallel()

	inline, pos, inlineVal := kv.DecodeValue(nil)
	assert.False(t, inline)
	assert.True(t, pos.IsTombstone())
	assert.Nil(t, inlineVal)
}
