package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayRequest struct {
	path     string
	proto    int
	topic    string
	pushType string
	priority string
	body     string
}

// newFakeGateway starts an HTTP/2 TLS server that answers like APNs. Tokens
// starting with "dead" get 410 Unregistered, "bad" gets 400 BadDeviceToken.
func newFakeGateway(t *testing.T) (*httptest.Server, func() []gatewayRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []gatewayRequest
	)
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, gatewayRequest{
			path:     r.URL.Path,
			proto:    r.ProtoMajor,
			topic:    r.Header.Get("apns-topic"),
			pushType: r.Header.Get("apns-push-type"),
			priority: r.Header.Get("apns-priority"),
			body:     string(body),
		})
		mu.Unlock()

		token := strings.TrimPrefix(r.URL.Path, "/3/device/")
		w.Header().Set("apns-id", "fake-id")
		switch {
		case strings.HasPrefix(token, "dead"):
			w.WriteHeader(http.StatusGone)
			_ = json.NewEncoder(w).Encode(map[string]any{"reason": apns2.ReasonUnregistered, "timestamp": 1})
		case strings.HasPrefix(token, "bad"):
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"reason": apns2.ReasonBadDeviceToken})
		case strings.HasPrefix(token, "busy"):
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"reason": apns2.ReasonTooManyRequests})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	t.Cleanup(server.Close)

	return server, func() []gatewayRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]gatewayRequest(nil), requests...)
	}
}

func newGatewaySender(server *httptest.Server) *APNsSender {
	client := &apns2.Client{HTTPClient: server.Client(), Host: server.URL}
	return NewAPNsSenderWithClient(client, "pass.com.example.loyalty")
}

func TestAPNsSenderRequestShape(t *testing.T) {
	server, requests := newFakeGateway(t)
	sender := newGatewaySender(server)

	require.NoError(t, sender.Send(context.Background(), "abc123"))

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "/3/device/abc123", got[0].path)
	assert.Equal(t, 2, got[0].proto)
	assert.Equal(t, "pass.com.example.loyalty", got[0].topic)
	assert.Equal(t, "background", got[0].pushType)
	assert.Equal(t, "5", got[0].priority)
	assert.Equal(t, "{}", got[0].body)
}

func TestAPNsSenderClassifiesRejections(t *testing.T) {
	server, _ := newFakeGateway(t)
	sender := newGatewaySender(server)

	tests := []struct {
		token     string
		wantStale bool
		status    int
	}{
		{"dead-token", true, http.StatusGone},
		{"bad-token", true, http.StatusBadRequest},
		{"busy-token", false, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			err := sender.Send(context.Background(), tt.token)
			require.Error(t, err)

			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.status, rejected.StatusCode)
			assert.Equal(t, tt.wantStale, errors.Is(err, ErrStaleToken))
		})
	}
}

func TestDispatcherOverGateway(t *testing.T) {
	server, requests := newFakeGateway(t)
	d := newTestDispatcher(t, newGatewaySender(server), Options{Concurrency: 4})

	result := d.NotifyMany(context.Background(), "CREAM-000001", devicesFor("one", "two", "dead-three"))

	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"dead-three"}, result.Stale)
	assert.Len(t, requests(), 3, "one request per token")
}
