package tunnelserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T, id string) *ProxyConn {
	t.Helper()
	public, server := net.Pipe()
	pc := NewProxyConn(id, server)
	t.Cleanup(func() {
		_ = public.Close()
		_ = pc.Close()
	})
	return pc
}

func ids(pcs []*ProxyConn) []string {
	out := make([]string, 0, len(pcs))
	for _, pc := range pcs {
		out = append(out, pc.ID())
	}
	return out
}

func TestRegistryInsertFindRemove(t *testing.T) {
	r := NewRegistry()
	a, b := newPipeConn(t, "a"), newPipeConn(t, "b")
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))
	assert.ErrorIs(t, r.Insert(newPipeConn(t, "a")), ErrDuplicateID)
	assert.Equal(t, 2, r.Len())

	got, err := r.FindByID("b")
	require.NoError(t, err)
	assert.Same(t, b, got)

	assert.True(t, r.RemoveByID("b"))
	assert.False(t, r.RemoveByID("b"))
	_, err = r.FindByID("b")
	assert.ErrorIs(t, err, ErrProxyNotFound)
	_, err = r.FindByID("never")
	assert.ErrorIs(t, err, ErrProxyNotFound)
	assert.Equal(t, []string{"a"}, ids(r.All()))
}

func TestRegistrySweepIsStrictAndOrdered(t *testing.T) {
	r := NewRegistry()
	t0 := time.Unix(5000, 0)
	threshold := 60 * time.Second

	old := newPipeConn(t, "old")
	older := newPipeConn(t, "older")
	young := newPipeConn(t, "young")
	pending := newPipeConn(t, "pending")
	for _, pc := range []*ProxyConn{old, older, young, pending} {
		require.NoError(t, r.Insert(pc))
	}
	old.Pause(t0.Add(-10*time.Second), nil)
	older.Pause(t0.Add(-20*time.Second), nil)
	young.Pause(t0, nil)

	// exactly at the threshold nothing expires
	assert.Empty(t, r.SweepExpired(threshold, t0.Add(40*time.Second)))
	assert.Equal(t, 4, r.Len())

	expired := r.SweepExpired(threshold, t0.Add(50*time.Second+time.Nanosecond))
	assert.Equal(t, []string{"old", "older"}, ids(expired))
	assert.Equal(t, []string{"young", "pending"}, ids(r.All()))

	expired = r.SweepExpired(threshold, t0.Add(time.Hour))
	assert.Equal(t, []string{"young"}, ids(expired))
	assert.Equal(t, []string{"pending"}, ids(r.All()), "pending entries are never swept")

	_, err := r.FindByID("old")
	assert.ErrorIs(t, err, ErrProxyNotFound)
}
