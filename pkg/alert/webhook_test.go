package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-gg/catalyst/pkg/types"
)

func sampleAlert() *types.Alert {
	return &types.Alert{
		ID:        "alert-1",
		RuleID:    "rule-1",
		ServerID:  "srv-1",
		Type:      types.RuleResourceThreshold,
		Severity:  types.SeverityWarning,
		Title:     "High cpu usage on server uuid-1",
		Message:   "cpu usage on server uuid-1 is 95.0%, threshold is 80.0%",
		Metadata:  map[string]string{"dimension": "cpu", "value": "95.0"},
		CreatedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestIsDiscordURL(t *testing.T) {
	cases := []struct {
		url     string
		discord bool
	}{
		{"https://discord.com/api/webhooks/123/token", true},
		{"https://discordapp.com/api/webhooks/123/token", true},
		{"https://ptb.discord.com/api/webhooks/123/token", true},
		{"https://hooks.slack.com/services/T0/B0/XX", false},
		{"https://example.com/discord.com/fake", false},
		{"https://notdiscord.com/api/webhooks/1", false},
		{"://bad url", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.discord, isDiscordURL(tc.url), tc.url)
	}
}

func TestGenericWebhookPayload(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPWebhookSender()
	require.NoError(t, sender.Send(srv.URL, sampleAlert()))

	var envelope struct {
		Event string `json:"event"`
		Alert struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Severity string `json:"severity"`
			Title    string `json:"title"`
		} `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(got, &envelope))
	assert.Equal(t, "alert.created", envelope.Event)
	assert.Equal(t, "alert-1", envelope.Alert.ID)
	assert.Equal(t, "resource_threshold", envelope.Alert.Type)
	assert.Equal(t, "warning", envelope.Alert.Severity)
}

func TestDiscordPayloadShape(t *testing.T) {
	msg := discordPayload(sampleAlert())

	require.Len(t, msg.Embeds, 1)
	embed := msg.Embeds[0]
	assert.Equal(t, "High cpu usage on server uuid-1", embed.Title)
	assert.Equal(t, 0xf39c12, embed.Color)
	assert.Equal(t, "2026-03-14T12:00:00Z", embed.Timestamp)

	// Severity and Type lead, metadata follows in key order.
	require.GreaterOrEqual(t, len(embed.Fields), 4)
	assert.Equal(t, "Severity", embed.Fields[0].Name)
	assert.Equal(t, "warning", embed.Fields[0].Value)
	assert.Equal(t, "Type", embed.Fields[1].Name)
	assert.Equal(t, "dimension", embed.Fields[2].Name)
	assert.Equal(t, "value", embed.Fields[3].Name)
}

func TestSeverityColors(t *testing.T) {
	assert.Equal(t, 0xe74c3c, severityColor(types.SeverityCritical))
	assert.Equal(t, 0xf39c12, severityColor(types.SeverityWarning))
	assert.Equal(t, 0x3498db, severityColor(types.SeverityInfo))
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewHTTPWebhookSender()
	err := sender.Send(srv.URL, sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookAccepts204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewHTTPWebhookSender()
	assert.NoError(t, sender.Send(srv.URL, sampleAlert()))
}

func TestWebhookConnectionErrorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sender := NewHTTPWebhookSender()
	err := sender.Send(srv.URL, sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post webhook")
}
