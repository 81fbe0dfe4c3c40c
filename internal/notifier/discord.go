package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	discordUsername = "DARE"
	// discordDescriptionMax is Discord's embed description limit.
	discordDescriptionMax = 4096
)

// DiscordSink posts messages as a single embed to a webhook url.
type DiscordSink struct {
	client    *http.Client
	avatarURL string
}

func NewDiscordSink(client *http.Client, avatarURL string) *DiscordSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscordSink{client: client, avatarURL: avatarURL}
}

func (*DiscordSink) Name() string { return "discord" }

func (*DiscordSink) Accepts(d Destination) bool { return d.DiscordWebhook != "" }

type discordPayload struct {
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Timestamp   string         `json:"timestamp"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (s *DiscordSink) Send(ctx context.Context, m Message) error {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	embed := discordEmbed{
		Title:       m.Title,
		Description: truncate(m.Body, discordDescriptionMax),
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
	if m.Footer != "" {
		embed.Footer = &discordFooter{Text: m.Footer}
	}
	body, err := json.Marshal(discordPayload{Username: discordUsername, AvatarURL: s.avatarURL, Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.To.DiscordWebhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Sink: s.Name(), Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
