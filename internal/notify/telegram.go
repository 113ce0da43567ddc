package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")).SetTimeout(timeout),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	var parsed telegramSendMessageResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(telegramSendMessageRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return errors.Wrap(err, "telegram send")
	}
	if resp.IsError() {
		return errors.Errorf("telegram status=%d body=%s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(resp.Body()) > 0 && !parsed.OK {
		return errors.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
