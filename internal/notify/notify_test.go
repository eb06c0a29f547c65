package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebhook_PostsColoredAttachment(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n := NewWebhook(srv.URL, nil)
	require.NoError(t, n.Notify(t.Context(), LevelCritical, "circuit breaker tripped", "5 consecutive failures"))

	require.Len(t, got.Attachments, 1)
	att := got.Attachments[0]
	require.Equal(t, "#FF0000", att.Color)
	require.Equal(t, "circuit breaker tripped", att.Title)
	require.Equal(t, "5 consecutive failures", att.Text)
	require.Equal(t, "tradecore", att.Footer)
	require.NotZero(t, att.TS)
}

func TestWebhook_SeverityColors(t *testing.T) {
	var colors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		colors = append(colors, payload.Attachments[0].Color)
	}))
	t.Cleanup(srv.Close)

	n := NewWebhook(srv.URL, nil)
	ctx := t.Context()
	require.NoError(t, n.Notify(ctx, LevelInfo, "t", "m"))
	require.NoError(t, n.Notify(ctx, LevelWarning, "t", "m"))
	require.NoError(t, n.Notify(ctx, Level("mystery"), "t", "m"))

	require.Equal(t, []string{"#36A64F", "#FFCC00", "#FF0000"}, colors,
		"unknown levels must render as critical red")
}

func TestWebhook_DeliveryFailureIsReturnedNotPanicked(t *testing.T) {
	n := NewWebhook("http://127.0.0.1:0/nowhere", nil)
	require.Error(t, n.Notify(t.Context(), LevelInfo, "t", "m"))
}
