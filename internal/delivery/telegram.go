package delivery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender delivers message payloads through an existing telebot
// instance (shared with the command layer, so one token and one poller).
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(bot *tele.Bot) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	// telebot has no context plumbing; the dispatcher bounds the call with
	// its own attempt timeout and classifies the expiry as TIMEOUT.
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := s.bot.Send(tele.ChatID(chatID), text)
		done <- result{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return Ack{}, classifyTelegram(r.err)
		}
		ack := Ack{At: time.Now()}
		if r.msg != nil {
			ack.MessageID = r.msg.ID
		}
		return ack, nil
	}
}

func classifyTelegram(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &Error{
			Kind:       KindRateLimited,
			Err:        err,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNotStartedByUser):
		return &Error{Kind: KindInvalidRecipient, Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &Error{Kind: KindNetwork, Err: err}
	}

	// Telegram API 5xx surfaces as *tele.Error with an internal code.
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return &Error{Kind: KindNetwork, Err: err}
	}

	return &Error{Kind: KindUnknown, Err: err}
}
