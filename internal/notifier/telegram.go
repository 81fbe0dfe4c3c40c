package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	tele "gopkg.in/telebot.v4"
)

// TelegramSink sends messages through a bot to a chat id. The bot never
// polls; it is send-only.
type TelegramSink struct {
	bot *tele.Bot
}

const telegramTimeout = 10 * time.Second

func defaultTelegramClient() *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = telegramTimeout
	return c
}

// NewTelegramSink creates an offline bot. apiURL may be empty for the
// public Bot API.
func NewTelegramSink(token, apiURL string, client *http.Client) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if client == nil {
		client = defaultTelegramClient()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (*TelegramSink) Accepts(d Destination) bool { return d.TelegramChatID != 0 }

// Send ignores ctx cancellation mid-request; the bot's http client timeout
// bounds it instead.
func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: m.To.TelegramChatID}, formatTelegram(m), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &StatusError{Sink: s.Name(), Status: apiErr.Code, Body: apiErr.Description}
	}
	return err
}

func formatTelegram(m Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(m.Body))
	if m.Footer != "" {
		b.WriteString("\n<i>")
		b.WriteString(html.EscapeString(m.Footer))
		b.WriteString("</i>")
	}
	return b.String()
}
