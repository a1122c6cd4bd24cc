package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"chime/pkg/logx"
)

type WebhookConfig struct {
	Timeout    time.Duration
	RatePerSec int // per-process send rate, 0 means default
}

// Webhook posts signed JSON payloads to chat-group webhook URLs.
//
// Payload: {"msg_type":"text","content":{"text":...},"timestamp":...} with
// an X-Chime-Signature header (hex HMAC-SHA256 over "<timestamp>\n<body>")
// when the target carries a secret.
type Webhook struct {
	log     logx.Logger
	targets Targets
	client  *http.Client
	limiter *rate.Limiter

	now func() time.Time
}

func NewWebhook(cfg WebhookConfig, log logx.Logger, targets Targets) *Webhook {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Webhook{
		log:     log,
		targets: targets,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		now:     time.Now,
	}
}

type payload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
	Timestamp int64 `json:"timestamp"`
}

func (w *Webhook) Send(ctx context.Context, target string, message string) error {
	t, ok := w.targets.Lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTarget, target)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	ts := w.now().Unix()
	var p payload
	p.MsgType = "text"
	p.Content.Text = message
	p.Timestamp = ts

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Secret != "" {
		req.Header.Set("X-Chime-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Chime-Signature", sign(t.Secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: http %d", target, resp.StatusCode)
	}
	w.log.Debug("webhook delivered", logx.String("target", target))
	return nil
}

func sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
