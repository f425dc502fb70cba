package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is an HTTP client for the Telegram Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	// Rate limiting: Telegram allows ~1 message/second per chat
	mu              sync.Mutex
	lastSendTime    map[int64]time.Time
	minSendInterval time.Duration

	// Retry configuration
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBackoff sets the initial and maximum backoff durations for retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithBaseURL points the client at a different API host. Used by tests
// and by self-hosted Bot API servers.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// NewClient creates a new Bot API client.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 65 * time.Second, // must outlast a long poll
		},
		lastSendTime:    make(map[int64]time.Time),
		minSendInterval: time.Second,
		maxRetries:      3,
		initialBackoff:  1 * time.Second,
		maxBackoff:      30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Wire shapes for the subset of the Update object we consume.
type apiUpdate struct {
	UpdateID      int64        `json:"update_id"`
	Message       *apiMessage  `json:"message"`
	CallbackQuery *apiCallback `json:"callback_query"`
}

type apiMessage struct {
	MessageID int64    `json:"message_id"`
	From      *apiUser `json:"from"`
	Chat      apiChat  `json:"chat"`
	Text      string   `json:"text"`
}

type apiUser struct {
	ID int64 `json:"id"`
}

type apiChat struct {
	ID int64 `json:"id"`
}

type apiCallback struct {
	ID      string      `json:"id"`
	From    apiUser     `json:"from"`
	Message *apiMessage `json:"message"`
	Data    string      `json:"data"`
}

// flatten converts a wire update to the dispatcher-facing shape.
// Returns false for update kinds we do not handle.
func flatten(u apiUpdate) (Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		cb := u.CallbackQuery
		out := Update{
			UpdateID:     u.UpdateID,
			UserID:       strconv.FormatInt(cb.From.ID, 10),
			CallbackData: cb.Data,
			CallbackID:   cb.ID,
		}
		if cb.Message != nil {
			out.ChatID = cb.Message.Chat.ID
			out.MessageID = cb.Message.MessageID
		}
		return out, true
	case u.Message != nil && u.Message.From != nil:
		m := u.Message
		return Update{
			UpdateID:  u.UpdateID,
			UserID:    strconv.FormatInt(m.From.ID, 10),
			ChatID:    m.Chat.ID,
			MessageID: m.MessageID,
			Text:      m.Text,
		}, true
	}
	return Update{}, false
}

// Send delivers an outbound message, splitting long text across
// multiple Bot API calls. Inline buttons attach to the final chunk so
// they land under the most recent output.
func (c *Client) Send(ctx context.Context, out Outbound) error {
	chunks := SplitMessage(out.Text)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		params := map[string]interface{}{
			"chat_id": out.ChatID,
			"text":    chunk,
		}
		if out.ParseMode != "" {
			params["parse_mode"] = out.ParseMode
		}
		if i == len(chunks)-1 && len(out.Buttons) > 0 {
			params["reply_markup"] = map[string]interface{}{
				"inline_keyboard": keyboardRows(out.Buttons),
			}
		}
		if err := c.callWithRetry(ctx, out.ChatID, "sendMessage", params, nil); err != nil {
			return err
		}
	}
	return nil
}

func keyboardRows(rows [][]Button) [][]map[string]string {
	wire := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		wireRow := make([]map[string]string, 0, len(row))
		for _, b := range row {
			wireRow = append(wireRow, map[string]string{
				"text":          b.Label,
				"callback_data": b.CallbackData,
			})
		}
		wire = append(wire, wireRow)
	}
	return wire
}

// GetUpdates long-polls for new updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	params := map[string]interface{}{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var raw []apiUpdate
	if err := c.call(ctx, "getUpdates", params, &raw); err != nil {
		return nil, offset, err
	}

	next := offset
	var updates []Update
	for _, u := range raw {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if flat, ok := flatten(u); ok {
			updates = append(updates, flat)
		}
	}
	return updates, next, nil
}

// AnswerCallback acks a button press so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]interface{}{
		"callback_query_id": callbackID,
	}, nil)
}

// SetWebhook registers url for update delivery.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]interface{}{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}, nil)
}

// DeleteWebhook removes any registered webhook. Required before
// switching back to long polling.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]interface{}{}, nil)
}

// callWithRetry invokes a method with exponential backoff retry and
// per-chat rate limiting.
func (c *Client) callWithRetry(ctx context.Context, chatID int64, method string, params, result interface{}) error {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			// Exponential backoff with cap
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		c.enforceRateLimit(chatID)

		err := c.call(ctx, method, params, result)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// enforceRateLimit keeps sends to one chat at least a second apart.
func (c *Client) enforceRateLimit(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	minInterval := c.minSendInterval

	elapsed := time.Since(c.lastSendTime[chatID])
	if elapsed < minInterval {
		time.Sleep(minInterval - elapsed)
	}

	c.lastSendTime[chatID] = time.Now()
}

// call performs one Bot API method invocation.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("%s: %w", method, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("%s: read response: %w", method, err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{
			Err:       fmt.Errorf("%s: rate limited (429): %s", method, string(respBody)),
			RateLimit: true,
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &RetryableError{Err: fmt.Errorf("%s: server error (%d): %s", method, resp.StatusCode, string(respBody))}
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: api error %d: %s", method, envelope.ErrorCode, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// RetryableError indicates an error that may be retried.
type RetryableError struct {
	Err       error
	RateLimit bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// isRetryableError checks if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*RetryableError)
	return ok
}
