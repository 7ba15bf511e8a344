package updates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/push"
)

type fakeNotifier struct {
	mu     sync.Mutex
	calls  [][]string
	stale  map[string]bool
	failed map[string]bool
}

func (n *fakeNotifier) NotifyMany(_ context.Context, _ string, devices []push.Device) push.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	tokens := make([]string, 0, len(devices))
	for _, dev := range devices {
		tokens = append(tokens, dev.Token)
	}
	n.calls = append(n.calls, tokens)
	var r push.Result
	for _, tok := range tokens {
		switch {
		case n.stale[tok]:
			r.Failed++
			r.Stale = append(r.Stale, tok)
		case n.failed[tok]:
			r.Failed++
		default:
			r.Sent++
		}
	}
	return r
}

func (n *fakeNotifier) allTokens() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, c := range n.calls {
		out = append(out, c...)
	}
	return out
}

func seed(t *testing.T, store *ledger.MemoryStore, serial string, tokens ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateMember(ctx, &ledger.Member{Serial: serial, Name: "Member", Email: serial + "@example.com"}))
	for i, tok := range tokens {
		_, err := store.UpsertRegistration(ctx, ledger.Registration{
			DeviceID:   "device-" + string(rune('a'+i)),
			PassTypeID: "pass.com.example.loyalty",
			Serial:     serial,
			PushToken:  tok,
		})
		require.NoError(t, err)
	}
}

func TestOnMemberMutatedPushesEveryDevice(t *testing.T) {
	store := ledger.NewMemoryStore(nil)
	seed(t, store, "CREAM-000001", "tok-1", "tok-2")
	notifier := &fakeNotifier{}
	o := NewOrchestrator(store, notifier, zap.NewNop(), Options{})

	before, err := store.GetMember(context.Background(), "CREAM-000001")
	require.NoError(t, err)

	o.OnMemberMutated(context.Background(), "CREAM-000001")

	after, err := store.GetMember(context.Background(), "CREAM-000001")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "cursor is bumped before OnMemberMutated returns")

	o.Wait()
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, notifier.allTokens())
}

func TestOnMemberMutatedSurvivesCanceledRequest(t *testing.T) {
	store := ledger.NewMemoryStore(nil)
	seed(t, store, "CREAM-000002", "tok-1")
	notifier := &fakeNotifier{}
	o := NewOrchestrator(store, notifier, zap.NewNop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	o.OnMemberMutated(ctx, "CREAM-000002")
	cancel()
	o.Wait()

	assert.Equal(t, []string{"tok-1"}, notifier.allTokens())
}

// cancelAwareStore fails on a done context the way database/sql does.
type cancelAwareStore struct {
	*ledger.MemoryStore
}

func (s cancelAwareStore) Touch(ctx context.Context, serial string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return s.MemoryStore.Touch(ctx, serial)
}

func (s cancelAwareStore) RegistrationsForSerial(ctx context.Context, serial string) ([]ledger.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.RegistrationsForSerial(ctx, serial)
}

func TestOnMemberMutatedAfterRequestAlreadyCanceled(t *testing.T) {
	mem := ledger.NewMemoryStore(nil)
	seed(t, mem, "CREAM-000009", "tok-1")
	before, err := mem.GetMember(context.Background(), "CREAM-000009")
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	o := NewOrchestrator(cancelAwareStore{mem}, notifier, zap.NewNop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.OnMemberMutated(ctx, "CREAM-000009")
	o.Wait()

	after, err := mem.GetMember(context.Background(), "CREAM-000009")
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "committed change must still become visible")
	assert.Equal(t, []string{"tok-1"}, notifier.allTokens())
}

func TestOnMemberMutatedPrunesStaleTokens(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore(nil)
	seed(t, store, "CREAM-000003", "live", "dead", "flaky")
	notifier := &fakeNotifier{stale: map[string]bool{"dead": true}, failed: map[string]bool{"flaky": true}}
	o := NewOrchestrator(store, notifier, zap.NewNop(), Options{})

	o.OnMemberMutated(ctx, "CREAM-000003")
	o.Wait()

	regs, err := store.RegistrationsForSerial(ctx, "CREAM-000003")
	require.NoError(t, err)
	var tokens []string
	for _, r := range regs {
		tokens = append(tokens, r.PushToken)
	}
	assert.ElementsMatch(t, []string{"live", "flaky"}, tokens)
}

func TestOnMemberMutatedWithoutDevices(t *testing.T) {
	store := ledger.NewMemoryStore(nil)
	seed(t, store, "CREAM-000004")
	notifier := &fakeNotifier{}
	o := NewOrchestrator(store, notifier, zap.NewNop(), Options{})

	o.OnMemberMutated(context.Background(), "CREAM-000004")
	o.Wait()

	assert.Empty(t, notifier.allTokens())
}

type failingStore struct {
	Store
}

func (failingStore) Touch(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("database unavailable")
}

func TestOnMemberMutatedSwallowsStoreErrors(t *testing.T) {
	notifier := &fakeNotifier{}
	o := NewOrchestrator(failingStore{}, notifier, zap.NewNop(), Options{})

	assert.NotPanics(t, func() {
		o.OnMemberMutated(context.Background(), "CREAM-000005")
	})
	o.Wait()
	assert.Empty(t, notifier.allTokens())
}

func TestPushFailureDoesNotFailCaller(t *testing.T) {
	store := ledger.NewMemoryStore(nil)
	seed(t, store, "CREAM-000006", "a", "b", "c")
	notifier := &fakeNotifier{failed: map[string]bool{"a": true, "b": true, "c": true}}
	o := NewOrchestrator(store, notifier, zap.NewNop(), Options{})

	o.OnMemberMutated(context.Background(), "CREAM-000006")
	o.Wait()

	regs, err := store.RegistrationsForSerial(context.Background(), "CREAM-000006")
	require.NoError(t, err)
	assert.Len(t, regs, 3, "transient failures keep registrations")
}
