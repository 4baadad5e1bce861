// FILE: notify.go
// Package main – User notifications.
//
// Fills, stop-loss triggers, liquidations, failures and tax warnings are pushed
// to every configured channel: the log always, plus Slack (incoming webhook)
// and Telegram when their credentials are set. Delivery is best effort.
package main

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Notifier delivers a short text message to the user.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type logNotifier struct {
	log *logrus.Entry
}

func (n logNotifier) Notify(_ context.Context, msg string) error {
	n.log.WithField("notify", true).Info(msg)
	return nil
}

// slackNotifier posts to an incoming webhook.
type slackNotifier struct {
	hook string
	http *resty.Client
}

func newSlackNotifier(hook string) *slackNotifier {
	return &slackNotifier{hook: hook, http: resty.New().SetTimeout(3 * time.Second)}
}

func (n *slackNotifier) Notify(ctx context.Context, msg string) error {
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": msg}).
		Post(n.hook)
	if err != nil {
		return errors.Wrap(err, "slack")
	}
	if resp.IsError() {
		return errors.Errorf("slack: %s", resp.Status())
	}
	return nil
}

// telegramNotifier sends to one chat through the Bot API.
type telegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func newTelegramNotifier(token string, chatID int64) (*telegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	return &telegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *telegramNotifier) Notify(_ context.Context, msg string) error {
	_, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, msg))
	return errors.Wrap(err, "telegram")
}

// multiNotifier fans a message out and joins the failures.
type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.WithStack(stderrors.Join(errs...))
}
