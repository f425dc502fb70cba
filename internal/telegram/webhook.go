package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Webhook delivers updates via an HTTP server that Telegram posts to.
type Webhook struct {
	*Client
	logger     *slog.Logger
	publicURL  string
	listenAddr string
}

// NewWebhook wraps a client in a webhook transport. publicURL is the
// HTTPS endpoint registered with the Bot API; listenAddr is the local
// host:port the server binds.
func NewWebhook(client *Client, publicURL, listenAddr string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		Client:     client,
		logger:     logger,
		publicURL:  publicURL,
		listenAddr: listenAddr,
	}
}

// Updates registers the webhook and starts the HTTP server. The
// channel closes after ctx is done and the server has shut down.
func (w *Webhook) Updates(ctx context.Context) (<-chan Update, error) {
	ln, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", w.listenAddr, err)
	}

	ch := make(chan Update, 64)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(rw http.ResponseWriter, req *http.Request) {
		var raw apiUpdate
		if err := json.NewDecoder(req.Body).Decode(&raw); err != nil {
			w.logger.Warn("bad webhook payload", "error", err)
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		u, ok := flatten(raw)
		if !ok {
			rw.WriteHeader(http.StatusOK)
			return
		}
		if u.CallbackID != "" {
			if err := w.AnswerCallback(req.Context(), u.CallbackID); err != nil {
				w.logger.Debug("answer callback failed", "error", err)
			}
		}
		select {
		case ch <- u:
			rw.WriteHeader(http.StatusOK)
		case <-ctx.Done():
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webhook server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("webhook shutdown", "error", err)
		}
		close(ch)
	}()

	if err := w.SetWebhook(ctx, w.publicURL); err != nil {
		srv.Close()
		return nil, fmt.Errorf("register webhook: %w", err)
	}
	w.logger.Info("webhook registered", "url", w.publicURL, "listen", w.listenAddr)
	return ch, nil
}
