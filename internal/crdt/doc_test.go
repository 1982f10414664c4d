package crdt

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEmitsLocalDelta(t *testing.T) {
	doc := New()
	var got []Update
	doc.Observe(func(u Update) { got = append(got, u) })

	require.NoError(t, doc.Change(func(d *automerge.Doc) error {
		return d.Path("title").Set("hello")
	}))

	require.Len(t, got, 1)
	assert.Equal(t, OriginLocal, got[0].Origin)
	assert.NotEmpty(t, got[0].Data)

	other := New()
	changed, err := other.ApplyUpdate(got[0].Data, "peer-a")
	require.NoError(t, err)
	assert.True(t, changed)
	value, err := other.Get("title")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	src := New()
	var delta []byte
	src.Observe(func(u Update) { delta = u.Data })
	require.NoError(t, src.Change(func(d *automerge.Doc) error { return d.Path("n").Set(int64(1)) }))

	dst := New()
	var notified int
	dst.Observe(func(Update) { notified++ })

	changed, err := dst.ApplyUpdate(delta, "peer")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = dst.ApplyUpdate(delta, "peer")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, notified)
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	doc := New()
	_, err := doc.ApplyUpdate([]byte("definitely not automerge"), "peer")
	require.ErrorIs(t, err, ErrMalformedUpdate)

	// the document stays usable
	require.NoError(t, doc.Change(func(d *automerge.Doc) error { return d.Path("ok").Set(true) }))
}

func TestRemoteChangesDoNotLeakIntoLocalDeltas(t *testing.T) {
	a, b := New(), New()
	var fromA []byte
	a.Observe(func(u Update) { fromA = u.Data })
	require.NoError(t, a.Change(func(d *automerge.Doc) error { return d.Path("a").Set("x") }))

	var fromB []byte
	b.Observe(func(u Update) {
		if u.Origin == OriginLocal {
			fromB = u.Data
		}
	})
	_, err := b.ApplyUpdate(fromA, "a")
	require.NoError(t, err)
	require.NoError(t, b.Change(func(d *automerge.Doc) error { return d.Path("b").Set("y") }))

	c := New()
	_, err = c.ApplyUpdate(fromB, "b")
	require.NoError(t, err)
	value, err := c.Get("a")
	require.NoError(t, err)
	assert.Nil(t, value, "delta from b should only carry b's change")

	_, err = c.ApplyUpdate(fromA, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, b.Heads(), c.Heads())
}

func TestMergedDeltasApplyAsOne(t *testing.T) {
	src := New()
	var deltas [][]byte
	src.Observe(func(u Update) { deltas = append(deltas, u.Data) })
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, src.Change(func(d *automerge.Doc) error {
			return d.Path(fmt.Sprintf("k%d", i)).Set(int64(i))
		}))
	}
	require.Len(t, deltas, 5)

	dst := New()
	changed, err := dst.ApplyUpdate(MergeUpdates(deltas...), "src")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.ElementsMatch(t, src.Heads(), dst.Heads())
}

func TestConvergenceWithShuffledDuplicatedDelivery(t *testing.T) {
	const peers = 5
	rng := rand.New(rand.NewSource(42))
	docs := make([]*Doc, peers)
	var deltas [][]byte
	for i := range docs {
		docs[i] = New()
		docs[i].Observe(func(u Update) {
			if u.Origin == OriginLocal {
				deltas = append(deltas, u.Data)
			}
		})
	}
	for round := 0; round < 4; round++ {
		for i, doc := range docs {
			i, round := i, round
			require.NoError(t, doc.Change(func(d *automerge.Doc) error {
				if err := d.Path("shared").Set(fmt.Sprintf("p%d-r%d", i, round)); err != nil {
					return err
				}
				return d.Path(fmt.Sprintf("peer%d", i)).Set(int64(round))
			}))
		}
	}

	for _, doc := range docs {
		deliveries := append([][]byte(nil), deltas...)
		// duplicate a third of them
		for i := 0; i < len(deltas)/3; i++ {
			deliveries = append(deliveries, deltas[rng.Intn(len(deltas))])
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })
		for _, d := range deliveries {
			_, err := doc.ApplyUpdate(d, "remote")
			require.NoError(t, err)
		}
	}

	want := sortedHeads(docs[0])
	wantShared, err := docs[0].Get("shared")
	require.NoError(t, err)
	for i, doc := range docs[1:] {
		assert.Equalf(t, want, sortedHeads(doc), "peer %d heads diverged", i+1)
		shared, err := doc.Get("shared")
		require.NoError(t, err)
		assert.Equal(t, wantShared, shared)
		for p := 0; p < peers; p++ {
			v, err := doc.Get(fmt.Sprintf("peer%d", p))
			require.NoError(t, err)
			assert.EqualValues(t, 3, v)
		}
	}
}

func TestSetTextSplicesMiddle(t *testing.T) {
	a := New()
	require.NoError(t, a.SetText("content", "hello world"))

	b, err := Load(a.EncodeState())
	require.NoError(t, err)

	var fromA, fromB []byte
	a.Observe(func(u Update) {
		if u.Origin == OriginLocal {
			fromA = u.Data
		}
	})
	b.Observe(func(u Update) {
		if u.Origin == OriginLocal {
			fromB = u.Data
		}
	})

	require.NoError(t, a.SetText("content", "hello brave world"))
	require.NoError(t, b.SetText("content", "hello world!"))

	_, err = a.ApplyUpdate(fromB, "b")
	require.NoError(t, err)
	_, err = b.ApplyUpdate(fromA, "a")
	require.NoError(t, err)

	ta, err := a.Text("content")
	require.NoError(t, err)
	tb, err := b.Text("content")
	require.NoError(t, err)
	assert.Equal(t, "hello brave world!", ta)
	assert.Equal(t, ta, tb)
}

func TestTextMissingFieldIsEmpty(t *testing.T) {
	text, err := New().Text("nothing")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestSpliceDiff(t *testing.T) {
	cases := []struct {
		current, next string
		pos, del      int
		insert        string
	}{
		{"abc", "abc", 3, 0, ""},
		{"abc", "abXc", 2, 0, "X"},
		{"abc", "ac", 1, 1, ""},
		{"", "new", 0, 0, "new"},
		{"héllo", "hallo", 1, 1, "a"},
	}
	for _, tc := range cases {
		pos, del, insert := spliceDiff(tc.current, tc.next)
		assert.Equal(t, tc.pos, pos, tc.current+"->"+tc.next)
		assert.Equal(t, tc.del, del, tc.current+"->"+tc.next)
		assert.Equal(t, tc.insert, insert, tc.current+"->"+tc.next)
	}
}

func sortedHeads(d *Doc) []string {
	heads := d.Heads()
	sort.Strings(heads)
	return heads
}
