package telegram

import (
	"context"
	"log/slog"
	"time"
)

// Poller delivers updates via getUpdates long polling.
type Poller struct {
	*Client
	logger      *slog.Logger
	pollTimeout time.Duration
}

// NewPoller wraps a client in a long-polling transport.
func NewPoller(client *Client, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Client:      client,
		logger:      logger,
		pollTimeout: 30 * time.Second,
	}
}

// Updates starts the poll loop and returns its channel. The channel
// closes when ctx is done. Poll failures back off and retry; the loop
// never dies on a transient error.
func (p *Poller) Updates(ctx context.Context) (<-chan Update, error) {
	// A webhook left registered blocks getUpdates entirely.
	if err := p.DeleteWebhook(ctx); err != nil {
		p.logger.Warn("delete webhook before polling", "error", err)
	}

	ch := make(chan Update)
	go p.loop(ctx, ch)
	return ch, nil
}

func (p *Poller) loop(ctx context.Context, ch chan<- Update) {
	defer close(ch)

	var offset int64
	errBackoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		updates, next, err := p.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errBackoff):
			}
			if errBackoff *= 2; errBackoff > 30*time.Second {
				errBackoff = 30 * time.Second
			}
			continue
		}
		errBackoff = time.Second
		offset = next

		for _, u := range updates {
			if u.CallbackID != "" {
				// Ack immediately so the button spinner clears even if
				// the action takes a while.
				if err := p.AnswerCallback(ctx, u.CallbackID); err != nil {
					p.logger.Debug("answer callback failed", "error", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- u:
			}
		}
	}
}
