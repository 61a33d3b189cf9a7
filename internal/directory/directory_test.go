package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisorbot/internal/transport"
	logx "advisorbot/pkg/logx"
)

type fakeRecent struct {
	events []transport.Event
	err    error
	calls  int
}

func (f *fakeRecent) Recent(_ context.Context, limit int) ([]transport.Event, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.events) > limit {
		return f.events[len(f.events)-limit:], nil
	}
	return f.events, nil
}

func group(id int64, title string) transport.Event {
	return transport.Event{Chat: transport.ChatInfo{ID: id, Title: title, IsGroup: true}}
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.json")
	st, err := OpenStore(path, logx.Nop())
	require.NoError(t, err)
	return st, path
}

func TestResolveCacheHitSkipsScan(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	_, err := st.Put("민트-Alpha", 1001)
	require.NoError(t, err)
	src := &fakeRecent{}
	r := NewResolver(ResolverConfig{GroupPrefix: "민트-"}, st, src, logx.Nop(), nil)

	res := r.Resolve(context.Background(), "Alpha")
	assert.Equal(t, Found, res.Status)
	assert.Equal(t, int64(1001), res.ChatID)
	assert.False(t, res.Discovered)
	assert.Zero(t, src.calls)
}

func TestResolveScansNewestFirstAndPersists(t *testing.T) {
	t.Parallel()
	st, path := newStore(t)
	src := &fakeRecent{events: []transport.Event{
		group(900, "민트-Alpha"),
		{Chat: transport.ChatInfo{ID: 5, Title: "민트-Alpha", IsGroup: false}},
		group(1001, "민트-Alpha"),
		group(77, "민트-Beta"),
	}}
	r := NewResolver(ResolverConfig{GroupPrefix: "민트-"}, st, src, logx.Nop(), nil)

	res := r.Resolve(context.Background(), " Alpha ")
	require.True(t, res.OK())
	assert.Equal(t, int64(1001), res.ChatID)
	assert.True(t, res.Discovered)

	reopened, err := OpenStore(path, logx.Nop())
	require.NoError(t, err)
	id, ok := reopened.Lookup("민트-Alpha")
	assert.True(t, ok)
	assert.Equal(t, int64(1001), id)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n    \"recipient_chats\": {")
}

func TestResolveDistinguishesNotFoundFromTransportError(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	r := NewResolver(ResolverConfig{GroupPrefix: "민트-"}, st, &fakeRecent{events: []transport.Event{group(1, "민트-Other")}}, logx.Nop(), nil)
	res := r.Resolve(context.Background(), "Gamma")
	assert.Equal(t, NotFound, res.Status)
	assert.NotEmpty(t, res.Reason)

	r = NewResolver(ResolverConfig{GroupPrefix: "민트-"}, st, &fakeRecent{err: errors.New("network down")}, logx.Nop(), nil)
	res = r.Resolve(context.Background(), "Gamma")
	assert.Equal(t, TransportError, res.Status)
	assert.Equal(t, "network down", res.Reason)
}

func TestConcurrentPutsAreNotLost(t *testing.T) {
	t.Parallel()
	st, path := newStore(t)
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Put("민트-R"+strings.Repeat("x", i), int64(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	reopened, err := OpenStore(path, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, reopened.Snapshot().Recipients, 20)
}

func TestSetStaffAndObserve(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	require.NoError(t, st.SetStaff(-500, []int64{3, 1, 3}))
	assert.True(t, st.IsStaff(1))
	assert.True(t, st.IsStaff(3))
	assert.False(t, st.IsStaff(2))
	assert.Equal(t, int64(-500), st.StaffChatID())
	assert.Equal(t, []int64{1, 3}, st.Snapshot().StaffIDs)

	r := NewResolver(ResolverConfig{GroupPrefix: "민트-"}, st, nil, logx.Nop(), nil)
	assert.True(t, r.Observe(transport.ChatInfo{ID: 42, Title: "민트-Delta", IsGroup: true}))
	assert.False(t, r.Observe(transport.ChatInfo{ID: 42, Title: "민트-Delta", IsGroup: true}))
	assert.False(t, r.Observe(transport.ChatInfo{ID: 43, Title: "Delta", IsGroup: true}))
	id, ok := r.Current("Delta")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestOpenStoreRejectsBadDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"recipient_chats":{"민트-A":0}}`), 0o600))
	_, err := OpenStore(path, logx.Nop())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"mint_group_chat_id":1}`), 0o600))
	_, err = OpenStore(path, logx.Nop())
	assert.Error(t, err)
}
