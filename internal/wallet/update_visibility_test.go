package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/loyalty"
	"creamcrm/internal/push"
	"creamcrm/internal/updates"
)

type recordingSender struct {
	mu     sync.Mutex
	tokens []string
}

func (s *recordingSender) Send(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// A stamp on CREAM-000001 held by two devices: the reward lands, both devices are
// woken exactly once, and the next poll reports the serial only when asked from
// before the stamp.
func TestStampIsVisibleToEveryRegisteredDevice(t *testing.T) {
	ctx := context.Background()
	clock := frozenClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore(clock)
	require.NoError(t, store.CreateMember(ctx, &ledger.Member{
		Serial: "CREAM-000001", Name: "Ada", Email: "ada@example.com",
		Stamps: 5, AvailableRewards: 0, TotalRewards: 2,
	}))

	reg := NewRegistry(store)
	for _, device := range []string{"iphone", "ipad"} {
		_, err := reg.Register(ctx, device, testPassType, "CREAM-000001", "token-"+device)
		require.NoError(t, err)
	}

	sender := &recordingSender{}
	dispatcher, err := push.NewDispatcher(sender, zap.NewNop(), push.Options{})
	require.NoError(t, err)
	orchestrator := updates.NewOrchestrator(store, dispatcher, zap.NewNop(), updates.Options{})
	svc, err := loyalty.NewService(store, orchestrator, zap.NewNop(), loyalty.Options{})
	require.NoError(t, err)

	before, err := reg.ListUpdatedSerials(ctx, "iphone", testPassType, nil)
	require.NoError(t, err)
	sinceBefore, err := ParseTag(before.LastUpdated)
	require.NoError(t, err)

	result, err := svc.AddStamp(ctx, "CREAM-000001")
	require.NoError(t, err)
	orchestrator.Wait()

	assert.True(t, result.RewardEarned)
	assert.Equal(t, 0, result.Member.Stamps)
	assert.Equal(t, 1, result.Member.AvailableRewards)
	assert.Equal(t, 3, result.Member.TotalRewards)
	history, err := svc.History(ctx, "CREAM-000001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.HistoryEarned, history[0].Type)

	assert.ElementsMatch(t, []string{"token-iphone", "token-ipad"}, sender.sent())

	for _, device := range []string{"iphone", "ipad"} {
		changed, err := reg.ListUpdatedSerials(ctx, device, testPassType, &sinceBefore)
		require.NoError(t, err)
		assert.Equal(t, []string{"CREAM-000001"}, changed.SerialNumbers, device)

		sinceAfter, err := ParseTag(changed.LastUpdated)
		require.NoError(t, err)
		unchanged, err := reg.ListUpdatedSerials(ctx, device, testPassType, &sinceAfter)
		require.NoError(t, err)
		assert.True(t, unchanged.Empty(), device)
	}
}
