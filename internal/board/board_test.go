package board

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

var testName = Name{Host: "localhost", Port: 3101, ID: "b1"}

func TestNameRoundTrip(t *testing.T) {
	n, err := ParseName("localhost:3101:b1")
	require.NoError(t, err)
	assert.Equal(t, testName, n)
	assert.Equal(t, "localhost:3101:b1", n.String())
	assert.Equal(t, "localhost:3101", n.PeerID())
	assert.Equal(t, "localhost:3101", n.PeerAddr())
}

func TestParseNameRejects(t *testing.T) {
	for _, s := range []string{
		"", "localhost", "localhost:3101", "localhost:x:b1", "localhost:0:b1",
		":3101:b1", "localhost:3101:", "a:1:b:c", "localhost:3101:b%1",
	} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseName(s)
			assert.True(t, errors.Is(err, protocol.ErrMalformedEnvelope), "got %v", err)
		})
	}
}

func TestPathRoundTrip(t *testing.T) {
	p := NewPath("#ff00aa", Point{1, 2}, Point{-3, 40}, Point{0, 0})
	assert.Equal(t, "#ff00aa;1,2;-3,40;0,0", p.String())
	got, err := ParsePath(p.String())
	require.NoError(t, err)
	assert.True(t, p.Equal(got))
}

func TestParsePathRejects(t *testing.T) {
	for _, s := range []string{"red", "RED;1,2", "red;1", "red;1,x", "red;,2", "#ff;1,2"} {
		_, err := ParsePath(s)
		assert.True(t, errors.Is(err, protocol.ErrMalformedEnvelope), "%q: got %v", s, err)
	}
}

func randomPath(r *rand.Rand) Path {
	colors := []string{"black", "red", "blue", "#00ff00"}
	p := Path{Color: colors[r.Intn(len(colors))]}
	for i := 0; i < 1+r.Intn(5); i++ {
		p.Points = append(p.Points, Point{r.Intn(800) - 100, r.Intn(600)})
	}
	return p
}

// Serializing and reparsing a board reproduces its version and paths.
func TestDataRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	b := New(testName, false)
	for i := 0; i < 20; i++ {
		require.True(t, b.AddPath(randomPath(r), b.Version()))
	}
	require.True(t, b.Undo(b.Version()))

	d, err := ParseData(b.String())
	require.NoError(t, err)
	assert.Equal(t, b.Version(), d.Version)
	assert.Equal(t, testName, d.Name)
	require.Len(t, d.Paths, len(b.Paths()))
	for i, p := range b.Paths() {
		assert.True(t, p.Equal(d.Paths[i]), "path %d", i)
	}

	empty, err := ParseData(New(testName, false).String())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Version)
	assert.Empty(t, empty.Paths)
}

func TestParseDataRejects(t *testing.T) {
	for _, s := range []string{"localhost:3101:b1", "localhost:3101:b1%x", "localhost:3101:b1%-1", "bad%0", "localhost:3101:b1%1%zz"} {
		_, err := ParseData(s)
		assert.True(t, errors.Is(err, protocol.ErrMalformedEnvelope), "%q: got %v", s, err)
	}
}

// Every accepted mutation bumps the version by exactly one and changes the
// path count as the operation says.
func TestVersionInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	b := New(testName, false)
	for i := 0; i < 500; i++ {
		before, n := b.Version(), len(b.Paths())
		stale := r.Intn(5) == 0
		basedOn := before
		if stale {
			basedOn = before - 1 - r.Intn(3)
		}
		op := Op(r.Intn(3))
		ok := b.Apply(op, randomPath(r), basedOn)
		if stale {
			require.False(t, ok)
			require.Equal(t, before, b.Version())
			require.Len(t, b.Paths(), n)
			continue
		}
		require.True(t, ok)
		require.Equal(t, before+1, b.Version())
		switch op {
		case OpPath:
			require.Len(t, b.Paths(), n+1)
		case OpUndo:
			if n == 0 {
				require.Len(t, b.Paths(), 0)
			} else {
				require.Len(t, b.Paths(), n-1)
			}
		case OpClear:
			require.Len(t, b.Paths(), 0)
		}
	}
}

// Snapshots of an unchanged board are identical.
func TestSnapshotIdempotent(t *testing.T) {
	b := New(testName, false)
	b.AddPath(NewPath("red", Point{1, 1}), 0)
	assert.Equal(t, b.String(), b.String())
}

func TestReplace(t *testing.T) {
	b := New(testName, true)
	assert.False(t, b.Fetched())
	b.Replace(Data{Name: testName, Version: 9, Paths: []Path{NewPath("red", Point{1, 2})}})
	assert.True(t, b.Fetched())
	assert.Equal(t, 9, b.Version())
	assert.Len(t, b.Paths(), 1)
	assert.False(t, b.AddPath(NewPath("red", Point{1, 2}), 8))
	assert.True(t, b.AddPath(NewPath("red", Point{1, 2}), 9))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := New(Name{Host: "h", Port: 1, ID: "a"}, false)
	c := New(Name{Host: "h", Port: 1, ID: "c"}, true)
	require.True(t, r.Add(c))
	require.True(t, r.Add(a))
	assert.False(t, r.Add(New(a.Name(), false)))
	assert.Equal(t, 2, r.Len())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "h:1:a", list[0].Key())

	got, ok := r.Get("h:1:c")
	require.True(t, ok)
	assert.Same(t, c, got)
	_, ok = r.Remove("h:1:c")
	assert.True(t, ok)
	_, ok = r.Get("h:1:c")
	assert.False(t, ok)
}

func TestSetShared(t *testing.T) {
	b := New(testName, false)
	assert.True(t, b.SetShared(true))
	assert.False(t, b.SetShared(true))
	assert.True(t, b.Shared())
}

func TestPathValidate(t *testing.T) {
	for _, p := range []Path{
		NewPath("Red", Point{1, 1}),
		NewPath("red"),
		NewPath("#FF0000", Point{1, 1}),
		NewPath("", Point{1, 1}),
	} {
		err := p.Validate()
		assert.ErrorIs(t, err, ErrInvalidPath, "%q", p.String())
		assert.ErrorIs(t, err, protocol.ErrMalformedEnvelope)
		_, perr := ParsePath(p.String())
		assert.Error(t, perr, "%q must not parse either", p.String())
	}
	ok := NewPath("#00ff00", Point{-1, 2})
	require.NoError(t, ok.Validate())
	got, err := ParsePath(ok.String())
	require.NoError(t, err)
	assert.True(t, ok.Equal(got))
}
