package orchestration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hayashishungenn/garmin-weight-sync/internal/connector/xiaomi"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
	"github.com/hayashishungenn/garmin-weight-sync/pkg/syncerr"
)

func TestManagerSyncAllRecordsHistory(t *testing.T) {
	h := newHarness(t, 70, 71, 72)
	ctx := context.Background()
	require.NoError(t, h.store.PutProfile(ctx, &store.Profile{Username: "bob", Password: "pw"}))

	var (
		mu     sync.Mutex
		byUser = map[string]int{}
	)
	m := NewManager(h.pipeline(t), WithHistory(h.store), WithListener(func(ev Event) {
		mu.Lock()
		byUser[ev.Username]++
		mu.Unlock()
	}))

	results, err := m.SyncAll(ctx, []string{"alice", "bob"}, 2)
	require.Error(t, err, "bob has no destination account")
	assert.ErrorIs(t, err, syncerr.ErrMissingTargetCredentials)
	require.Len(t, results, 2)
	assert.Equal(t, StageCompleted, results[0].Stage)
	assert.Equal(t, 2, results[0].Succeeded)
	assert.Equal(t, StageError, results[1].Stage)

	history, err := h.store.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	stages := map[string]string{}
	for _, e := range history {
		stages[e.Username] = e.Stage
	}
	assert.Equal(t, "completed", stages["alice"])
	assert.Equal(t, "error", stages["bob"])

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, byUser["alice"], 5)
	assert.Equal(t, 1, byUser["bob"])
}

func TestManagerTracksState(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.pipeline(t))

	run := m.Start(context.Background(), "alice")
	_, err := m.Wait(run.ID())
	require.Error(t, err)

	state, ok := m.Get(run.ID())
	require.True(t, ok)
	assert.Equal(t, StageError, state.Stage)
	assert.Equal(t, string(syncerr.CodeNoDataFound), state.ErrorCode)
	assert.Equal(t, "alice", state.Username)
	require.NotNil(t, state.Result)
	assert.Len(t, m.List(), 1)

	_, ok = m.Get("missing")
	assert.False(t, ok)
	assert.False(t, m.Stop("missing"))
	assert.Error(t, m.Respond("missing", "req", "x"))
}

func TestManagerRespondReachesRun(t *testing.T) {
	h := newHarness(t, 70)
	h.source.challenge = &xiaomi.Challenge{Kind: xiaomi.ChallengeCaptcha, Image: []byte("png")}
	h.source.want = "K7"

	asked := make(chan string, 1)
	m := NewManager(h.pipeline(t), WithListener(func(ev Event) {
		if ev.Stage == StageAwaitingInput {
			asked <- ev.Input.ID
		}
	}))

	run := m.StartLogin(context.Background(), "alice")
	reqID := <-asked
	state, ok := m.Get(run.ID())
	require.True(t, ok)
	require.NotNil(t, state.Pending)
	assert.Equal(t, reqID, state.Pending.ID)

	require.NoError(t, m.Respond(run.ID(), reqID, "K7"))
	res, err := m.Wait(run.ID())
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, res.Stage)
}
