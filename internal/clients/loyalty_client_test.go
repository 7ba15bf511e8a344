package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/loyalty"
)

const testSecret = "test-staff-secret-0123456789"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := ledger.NewMemoryStore(nil)
	svc, err := loyalty.NewService(store, nil, zap.NewNop(), loyalty.Options{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(loyalty.StaffAuth(testSecret))
		loyalty.NewHandler(svc, nil, zap.NewNop()).Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoyaltyClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	token, err := loyalty.IssueStaffToken(testSecret, "barista", "staff", time.Hour)
	require.NoError(t, err)
	c := NewLoyaltyClient(srv.URL+"/api/", token)

	member, err := c.RegisterMember(ctx, loyalty.RegisterRequest{Name: "Ada Lovelace", Email: "ada@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, member.Serial)

	for range 6 {
		_, err = c.AddStamp(ctx, member.Serial)
		require.NoError(t, err)
	}
	got, err := c.GetMember(ctx, member.Serial)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stamps)
	assert.Equal(t, 1, got.AvailableRewards)

	redeemed, err := c.RedeemReward(ctx, member.Serial)
	require.NoError(t, err)
	assert.Equal(t, 0, redeemed.AvailableRewards)

	history, err := c.History(ctx, member.Serial)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	found, err := c.SearchMembers(ctx, "ada")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMembers)

	assert.NoError(t, c.RefreshPass(ctx, member.Serial))
}

func TestLoyaltyClientSurfacesAPIErrors(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	_, err := NewLoyaltyClient(srv.URL+"/api", "").ListMembers(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	token, err := loyalty.IssueStaffToken(testSecret, "barista", "staff", time.Hour)
	require.NoError(t, err)
	_, err = NewLoyaltyClient(srv.URL+"/api", token).RedeemReward(ctx, "CREAM-999999")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "member not found")
}
