// Package telegram provides an HTTP client for the Telegram Bot API
// with retry logic and rate limiting awareness, plus polling and
// webhook adapters that feed updates to the dispatcher.
package telegram

import "context"

// Update is one inbound event, flattened from the Bot API shape to the
// fields the dispatcher cares about. Exactly one of Text or
// CallbackData is set.
type Update struct {
	UpdateID     int64
	UserID       string
	ChatID       int64
	MessageID    int64
	Text         string
	CallbackData string
	CallbackID   string // set for button presses; used to ack the query
}

// Button is one inline keyboard button.
type Button struct {
	Label        string
	CallbackData string
}

// Outbound is one message to deliver. Long text is split into multiple
// Bot API messages; buttons ride on the last chunk.
type Outbound struct {
	ChatID    int64
	Text      string
	Buttons   [][]Button
	ParseMode string
}

// Transport is the boundary the dispatcher talks through. Polling and
// webhook delivery both implement it.
type Transport interface {
	Updates(ctx context.Context) (<-chan Update, error)
	Send(ctx context.Context, out Outbound) error
}
