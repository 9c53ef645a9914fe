package document

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(id, user string, ts int64, pos int, text string) Operation {
	return Operation{ID: id, Kind: OpInsert, Position: pos, Content: text, UserID: user, Timestamp: ts}
}

func del(id, user string, ts int64, pos, n int) Operation {
	return Operation{ID: id, Kind: OpDelete, Position: pos, Length: n, UserID: user, Timestamp: ts}
}

func applyAll(t *testing.T, text string, ops []Operation) string {
	t.Helper()
	r := []rune(text)
	for _, op := range ops {
		var err error
		r, err = applyText(r, op)
		require.NoError(t, err, "apply %+v to %q", op, string(r))
	}
	return string(r)
}

func TestInclude_InsertInsertSamePosition(t *testing.T) {
	var tb TieBreak
	a := ins("a", "alice", 1000, 5, " world")
	b := ins("b", "bob", 2000, 5, "!!")

	a2, b2 := tb.xform(a, b)
	require.Len(t, a2, 1)
	require.Len(t, b2, 1)
	assert.Equal(t, 5, a2[0].Position)
	assert.Equal(t, 11, b2[0].Position)

	assert.Equal(t, "Hello world!!", applyAll(t, "Hello", append([]Operation{a}, b2...)))
	assert.Equal(t, "Hello world!!", applyAll(t, "Hello", append([]Operation{b}, a2...)))
}

func TestInclude_TieBreakOrders(t *testing.T) {
	a := ins("a", "zed", 1000, 0, "A")
	b := ins("b", "amy", 2000, 0, "B")

	got, _ := TieBreakTimestampUser.xform(a, b)
	assert.Equal(t, 0, got[0].Position, "earlier timestamp stays in front")

	got, _ = TieBreakUserTimestamp.xform(a, b)
	assert.Equal(t, 1, got[0].Position, "user id decides first")

	tied := ins("c", "amy", 1000, 0, "C")
	assert.True(t, TieBreakTimestampOnly.ambiguous(a, tied))
	assert.False(t, TieBreakTimestampUser.ambiguous(a, tied))
	got, _ = TieBreakTimestampOnly.xform(a, tied)
	assert.Equal(t, 1, got[0].Position)
}

func TestInclude_DeleteSplitsAroundInsert(t *testing.T) {
	var tb TieBreak
	d := del("d", "alice", 1, 1, 4)
	i := ins("i", "bob", 1, 3, "X")

	d2, i2 := tb.xform(d, i)
	require.Len(t, d2, 2)
	assert.Equal(t, Operation{ID: "d", Kind: OpDelete, Position: 1, Length: 2, UserID: "alice", Timestamp: 1}, d2[0])
	assert.Equal(t, 2, d2[1].Position)
	assert.Equal(t, 2, d2[1].Length)
	require.Len(t, i2, 1)
	assert.Equal(t, 1, i2[0].Position)

	assert.Equal(t, "aXf", applyAll(t, "abcdef", append([]Operation{i}, d2...)))
	assert.Equal(t, "aXf", applyAll(t, "abcdef", append([]Operation{d}, i2...)))
}

func TestInclude_DeleteDeleteOverlap(t *testing.T) {
	var tb TieBreak
	cases := []struct {
		name string
		a, b Operation
		want string
	}{
		{"disjoint", del("a", "u1", 1, 0, 2), del("b", "u2", 1, 4, 2), "cd"},
		{"partial", del("a", "u1", 1, 1, 3), del("b", "u2", 1, 2, 3), "af"},
		{"contained", del("a", "u1", 1, 2, 1), del("b", "u2", 1, 1, 4), "af"},
		{"identical", del("a", "u1", 1, 1, 2), del("b", "u2", 1, 1, 2), "adef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a2, b2 := tb.xform(tc.a, tc.b)
			assert.Equal(t, tc.want, applyAll(t, "abcdef", append([]Operation{tc.a}, b2...)))
			assert.Equal(t, tc.want, applyAll(t, "abcdef", append([]Operation{tc.b}, a2...)))
		})
	}
}

func TestInclude_NoopVanishes(t *testing.T) {
	var tb TieBreak
	a := del("a", "u1", 1, 1, 2)
	a2, b2 := tb.xform(a, a)
	assert.Empty(t, a2)
	assert.Empty(t, b2)
	assert.Empty(t, tb.include(ins("x", "u", 1, 0, ""), a))
}

func randomOp(rng *rand.Rand, id, user string, n int) Operation {
	if n == 0 || rng.Intn(2) == 0 {
		text := string(rune('a' + rng.Intn(26)))
		if rng.Intn(3) == 0 {
			text += "é"
		}
		return ins(id, user, int64(rng.Intn(3)), rng.Intn(n+1), text)
	}
	pos := rng.Intn(n)
	return del(id, user, int64(rng.Intn(3)), pos, 1+rng.Intn(n-pos))
}

// Applying a then b' must equal applying b then a' for sequences as well as
// single operations.
func TestTransformX_ConvergesOnRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := "the quick brown fox"
	for _, tb := range []TieBreak{TieBreakTimestampUser, TieBreakUserTimestamp, TieBreakTimestampOnly} {
		for round := 0; round < 300; round++ {
			var a, b []Operation
			la, lb := runeLen(base), runeLen(base)
			for i := 0; i < 1+rng.Intn(3); i++ {
				op := randomOp(rng, "a"+string(rune('0'+i)), "alice", la)
				a = append(a, op)
				if op.Kind == OpInsert {
					la += op.Span()
				} else {
					la -= op.Length
				}
			}
			for i := 0; i < 1+rng.Intn(3); i++ {
				op := randomOp(rng, "b"+string(rune('0'+i)), "bob", lb)
				b = append(b, op)
				if op.Kind == OpInsert {
					lb += op.Span()
				} else {
					lb -= op.Length
				}
			}

			a2, b2 := tb.transformX(a, b)
			left := applyAll(t, applyAll(t, base, a), b2)
			right := applyAll(t, applyAll(t, base, b), a2)
			require.Equal(t, left, right, "tie-break %s round %d: a=%+v b=%+v", tb, round, a, b)
		}
	}
}

func TestParseTieBreak(t *testing.T) {
	for _, tb := range []TieBreak{TieBreakTimestampUser, TieBreakUserTimestamp, TieBreakTimestampOnly} {
		got, ok := ParseTieBreak(tb.String())
		assert.True(t, ok)
		assert.Equal(t, tb, got)
	}
	got, ok := ParseTieBreak("coin_flip")
	assert.False(t, ok)
	assert.Equal(t, TieBreakTimestampUser, got)
}
