package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creamcrm/internal/ledger"
	"creamcrm/internal/passgen"
)

const testSecret = "wallet-test-secret"

type stubPasses struct{}

func (stubPasses) PassTypeID() string { return testPassType }

func (stubPasses) VerifyToken(serial, presented string) bool {
	return passgen.VerifyToken(serial, testSecret, presented)
}

func (stubPasses) Generate(_ context.Context, m *ledger.Member) ([]byte, error) {
	return []byte("pkpass:" + m.Serial), nil
}

type walletFixture struct {
	router http.Handler
	store  *ledger.MemoryStore
}

func newWalletFixture(t *testing.T, now func() time.Time, serials ...string) walletFixture {
	t.Helper()
	store := newSeededStore(t, now, serials...)
	h := NewHandler(NewRegistry(store), store, stubPasses{}, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/wallet", h.Routes)
	return walletFixture{router: r, store: store}
}

func (f walletFixture) do(t *testing.T, method, path, token, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "ApplePass "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func token(serial string) string {
	return passgen.AuthenticationToken(serial, testSecret)
}

func registrationPath(device, serial string) string {
	return "/wallet/v1/devices/" + device + "/registrations/" + testPassType + "/" + serial
}

func TestRegisterStatusCodes(t *testing.T) {
	f := newWalletFixture(t, nil, "CREAM-000001")
	path := registrationPath("device-1", "CREAM-000001")

	rec := f.do(t, http.MethodPost, path, token("CREAM-000001"), `{"pushToken":"abc"}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, path, token("CREAM-000001"), `{"pushToken":"abc"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, path, token("CREAM-000002"), `{"pushToken":"abc"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "token of another serial")

	rec = f.do(t, http.MethodPost, path, token("CREAM-000001"), `{"pushToken":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, path, token("CREAM-000001"), `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, registrationPath("device-1", "CREAM-999999"), token("CREAM-999999"), `{"pushToken":"abc"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/wallet/v1/devices/device-1/registrations/pass.com.other/CREAM-000001", token("CREAM-000001"), `{"pushToken":"abc"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnregister(t *testing.T) {
	f := newWalletFixture(t, nil, "CREAM-000001")
	path := registrationPath("device-1", "CREAM-000001")
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, path, token("CREAM-000001"), `{"pushToken":"abc"}`, nil).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodDelete, path, "", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, path, token("CREAM-000001"), "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, path, token("CREAM-000001"), "", nil).Code, "absent registration")

	regs, err := f.store.RegistrationsForSerial(context.Background(), "CREAM-000001")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestListUpdatedEndpoint(t *testing.T) {
	clock := frozenClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	f := newWalletFixture(t, clock, "CREAM-000001")
	listPath := "/wallet/v1/devices/device-1/registrations/" + testPassType

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodGet, listPath, "", "", nil).Code, "nothing registered")

	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, registrationPath("device-1", "CREAM-000001"), token("CREAM-000001"), `{"pushToken":"abc"}`, nil).Code)

	rec := f.do(t, http.MethodGet, listPath, "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first UpdatedSerials
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, []string{"CREAM-000001"}, first.SerialNumbers)

	rec = f.do(t, http.MethodGet, listPath+"?passesUpdatedSince="+first.LastUpdated, "", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// a stamp lands in the same second as the previous poll
	_, err := f.store.Mutate(context.Background(), "CREAM-000001", func(m *ledger.Member) ([]ledger.HistoryEntry, error) {
		m.Stamps++
		return nil, nil
	})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, listPath+"?passesUpdatedSince="+first.LastUpdated, "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second UpdatedSerials
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, []string{"CREAM-000001"}, second.SerialNumbers)

	rec = f.do(t, http.MethodGet, listPath+"?passesUpdatedSince=garbage", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "unreadable tag lists everything")
}

func TestFetchPass(t *testing.T) {
	f := newWalletFixture(t, nil, "CREAM-000001")
	path := "/wallet/v1/passes/" + testPassType + "/CREAM-000001"

	rec := f.do(t, http.MethodGet, path, token("CREAM-000001"), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.pkpass", rec.Header().Get("Content-Type"))
	assert.Equal(t, "pkpass:CREAM-000001", rec.Body.String())
	lastModified := rec.Header().Get("Last-Modified")
	require.NotEmpty(t, lastModified)

	ims, err := http.ParseTime(lastModified)
	require.NoError(t, err)
	future := ims.Add(time.Hour).Format(http.TimeFormat)
	rec = f.do(t, http.MethodGet, path, token("CREAM-000001"), "", http.Header{"If-Modified-Since": {future}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	past := ims.Add(-time.Hour).Format(http.TimeFormat)
	rec = f.do(t, http.MethodGet, path, token("CREAM-000001"), "", http.Header{"If-Modified-Since": {past}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFetchPassWrongToken(t *testing.T) {
	f := newWalletFixture(t, nil, "CREAM-000001", "CREAM-000002")
	path := "/wallet/v1/passes/" + testPassType + "/CREAM-000001"

	for _, tok := range []string{"", "nonsense", token("CREAM-000002")} {
		rec := f.do(t, http.MethodGet, path, tok, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	}

	rec := f.do(t, http.MethodGet, "/wallet/v1/passes/"+testPassType+"/CREAM-999999", token("CREAM-999999"), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogEndpointAlwaysOK(t *testing.T) {
	f := newWalletFixture(t, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/wallet/v1/log", "", `{"logs":["one","two"]}`, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/wallet/v1/log", "", `broken`, nil).Code)
}

func TestFetchPassETagTracksEveryChange(t *testing.T) {
	frozen := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newWalletFixture(t, func() time.Time { return frozen }, "CREAM-000001")
	path := "/wallet/v1/passes/" + testPassType + "/CREAM-000001"

	rec := f.do(t, http.MethodGet, path, token("CREAM-000001"), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = f.do(t, http.MethodGet, path, token("CREAM-000001"), "", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	_, err := f.store.Touch(context.Background(), "CREAM-000001")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, path, token("CREAM-000001"), "", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusOK, rec.Code, "a change within the same second must not be hidden")
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))
}

func TestFetchPassIfModifiedSinceSeesSameSecondChange(t *testing.T) {
	frozen := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newWalletFixture(t, func() time.Time { return frozen }, "CREAM-000001")
	path := "/wallet/v1/passes/" + testPassType + "/CREAM-000001"

	rec := f.do(t, http.MethodGet, path, token("CREAM-000001"), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lastModified := rec.Header().Get("Last-Modified")

	_, err := f.store.Touch(context.Background(), "CREAM-000001")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, path, token("CREAM-000001"), "", http.Header{"If-Modified-Since": {lastModified}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lastModified, rec.Header().Get("Last-Modified"), "still the same whole second")
}
