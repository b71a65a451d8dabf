package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/catalyst-gg/catalyst/pkg/types"
)

const webhookTimeout = 10 * time.Second

// WebhookSender posts one alert to one webhook URL.
type WebhookSender interface {
	Send(url string, alert *types.Alert) error
}

// HTTPWebhookSender delivers alerts over plain HTTP POST. Discord
// webhook URLs get a Discord-compatible embed; everything else gets a
// generic JSON envelope.
type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{client: &http.Client{Timeout: webhookTimeout}}
}

func (s *HTTPWebhookSender) Send(rawURL string, alert *types.Alert) error {
	var payload any
	if isDiscordURL(rawURL) {
		payload = discordPayload(alert)
	} else {
		payload = genericPayload(alert)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	resp, err := s.client.Post(rawURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isDiscordURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "discord.com" || host == "discordapp.com" ||
		strings.HasSuffix(host, ".discord.com") || strings.HasSuffix(host, ".discordapp.com")
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

func discordPayload(alert *types.Alert) discordMessage {
	embed := discordEmbed{
		Title:       alert.Title,
		Description: alert.Message,
		Color:       severityColor(alert.Severity),
		Timestamp:   alert.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []discordEmbedField{
			{Name: "Severity", Value: string(alert.Severity), Inline: true},
			{Name: "Type", Value: string(alert.Type), Inline: true},
		},
	}

	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: k, Value: alert.Metadata[k], Inline: true})
	}

	return discordMessage{Embeds: []discordEmbed{embed}}
}

func severityColor(s types.AlertSeverity) int {
	switch s {
	case types.SeverityCritical:
		return 0xe74c3c
	case types.SeverityWarning:
		return 0xf39c12
	default:
		return 0x3498db
	}
}

type webhookAlert struct {
	ID        string            `json:"id"`
	RuleID    string            `json:"ruleId,omitempty"`
	ServerID  string            `json:"serverId,omitempty"`
	NodeID    string            `json:"nodeId,omitempty"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type webhookEnvelope struct {
	Event string       `json:"event"`
	Alert webhookAlert `json:"alert"`
}

func genericPayload(alert *types.Alert) webhookEnvelope {
	return webhookEnvelope{
		Event: "alert.created",
		Alert: webhookAlert{
			ID:        alert.ID,
			RuleID:    alert.RuleID,
			ServerID:  alert.ServerID,
			NodeID:    alert.NodeID,
			Type:      string(alert.Type),
			Severity:  string(alert.Severity),
			Title:     alert.Title,
			Message:   alert.Message,
			Metadata:  alert.Metadata,
			CreatedAt: alert.CreatedAt,
		},
	}
}
