package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	closed int
}

func (f *fakeInstance) Close() error {
	f.closed++
	return nil
}

func ids(cs []Config) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestRegistry_RegisterOrder(t *testing.T) {
	r := NewRegistry(0)
	for _, id := range []string{"b", "a", "c"} {
		reloaded, err := r.Register(Config{ID: id, Src: "v1"})
		require.NoError(t, err)
		assert.False(t, reloaded)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids(r.ListActive()))

	// Replacing keeps the original position.
	_, err := r.Register(Config{ID: "b", Name: "renamed", Src: "v1"})
	require.NoError(t, err)
	active := r.ListActive()
	assert.Equal(t, []string{"b", "a", "c"}, ids(active))
	assert.Equal(t, "renamed", active[0].Name)
	assert.NotEmpty(t, active[0].Hash)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, []string{"b", "c"}, ids(r.ListActive()))

	_, err = r.Register(Config{ID: "", Src: "x"})
	assert.Error(t, err)
	_, err = r.Register(Config{ID: "d", Src: "x", When: "unit +"})
	assert.Error(t, err)
	_, ok := r.Status("d")
	assert.False(t, ok)
}

func TestRegistry_HashChangeReloads(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Register(Config{ID: "p", Src: "v1"})
	require.NoError(t, err)
	hash := r.ListActive()[0].Hash

	inst := &fakeInstance{}
	require.NoError(t, r.Attach("p", hash, inst))
	assert.Same(t, inst, r.Instance("p", hash))
	st, _ := r.Status("p")
	assert.Equal(t, StateLoaded, st.State)

	reloaded, err := r.Register(Config{ID: "p", Name: "same source", Src: "v1"})
	require.NoError(t, err)
	assert.False(t, reloaded)
	assert.Equal(t, 0, inst.closed)

	reloaded, err = r.Register(Config{ID: "p", Src: "v2"})
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Equal(t, 1, inst.closed)
	st, _ = r.Status("p")
	assert.Equal(t, StateUnloaded, st.State)
	assert.Nil(t, r.Instance("p", hash))

	// A sandbox built for the stale hash is refused and released.
	stale := &fakeInstance{}
	assert.ErrorIs(t, r.Attach("p", hash, stale), ErrNotFound)
	assert.Equal(t, 1, stale.closed)
}

func TestRegistry_FailuresFault(t *testing.T) {
	r := NewRegistry(3)
	_, err := r.Register(Config{ID: "p", Src: "x"})
	require.NoError(t, err)
	hash := r.ListActive()[0].Hash
	inst := &fakeInstance{}
	require.NoError(t, r.Attach("p", hash, inst))

	boom := errors.New("boom")
	assert.False(t, r.RecordFailure("p", boom))
	assert.False(t, r.RecordFailure("p", boom))
	r.RecordSuccess("p")
	st, _ := r.Status("p")
	assert.Equal(t, 0, st.Failures)

	r.RecordRejection("p", errors.New("bad shape"))
	assert.False(t, r.RecordFailure("p", boom))
	assert.False(t, r.RecordFailure("p", boom))
	assert.True(t, r.RecordFailure("p", boom))

	st, _ = r.Status("p")
	assert.Equal(t, StateFaulted, st.State)
	assert.Equal(t, 1, st.Rejections)
	assert.Equal(t, boom, st.LastError)
	assert.Equal(t, 1, inst.closed)
	assert.Empty(t, r.ListActive())

	assert.ErrorIs(t, r.Attach("p", hash, &fakeInstance{}), ErrNotFound, "faulted plugins cannot be attached")

	require.NoError(t, r.Reset("p"))
	st, _ = r.Status("p")
	assert.Equal(t, StateUnloaded, st.State)
	assert.Zero(t, st.Failures)
	assert.Zero(t, st.Rejections)
	assert.NoError(t, st.LastError)
	assert.Len(t, r.ListActive(), 1)

	assert.ErrorIs(t, r.Reset("missing"), ErrNotFound)
	assert.False(t, r.RecordFailure("missing", boom))
}

func TestRegistry_HashChangeClearsFault(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Register(Config{ID: "p", Src: "broken"})
	require.NoError(t, err)
	r.MarkFaulted("p", errors.New("compile"))
	assert.Empty(t, r.ListActive())

	_, err = r.Register(Config{ID: "p", Src: "broken"})
	require.NoError(t, err)
	assert.Empty(t, r.ListActive(), "same hash stays faulted")

	reloaded, err := r.Register(Config{ID: "p", Src: "fixed"})
	require.NoError(t, err)
	assert.True(t, reloaded)
	assert.Len(t, r.ListActive(), 1)
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(0)
	insts := map[string]*fakeInstance{}
	for _, id := range []string{"a", "b"} {
		_, err := r.Register(Config{ID: id, Src: id})
		require.NoError(t, err)
		insts[id] = &fakeInstance{}
		st, _ := r.Status(id)
		require.NoError(t, r.Attach(id, st.Config.Hash, insts[id]))
	}
	require.NoError(t, r.Close())
	assert.Empty(t, r.Statuses())
	for _, inst := range insts {
		assert.Equal(t, 1, inst.closed)
	}
}
