// Package notificacao posts security alerts to an operator webhook.
package notificacao

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityAlert describes a refresh-token reuse detection.
type SecurityAlert struct {
	Event     string    `json:"event"`
	Reason    string    `json:"reason"`
	UserID    string    `json:"userId,omitempty"`
	JTI       string    `json:"jti"`
	Revoked   int64     `json:"revoked"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	At        time.Time `json:"at"`
}

// Webhook delivers alerts to URL. An empty URL disables delivery.
type Webhook struct {
	URL     string
	Client  *http.Client
	Log     *logrus.Logger
	Timeout time.Duration
}

func NewWebhook(url string, log *logrus.Logger) *Webhook {
	return &Webhook{
		URL:     url,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Log:     log,
		Timeout: 5 * time.Second,
	}
}

// Send posts the alert and waits for the response.
func (h *Webhook) Send(ctx context.Context, alert SecurityAlert) error {
	if h.URL == "" {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyBreach sends the alert in the background; failures are only logged
// so a slow receiver never delays the request that detected the breach.
func (h *Webhook) NotifyBreach(alert SecurityAlert) {
	if h.URL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
		defer cancel()
		if err := h.Send(ctx, alert); err != nil && h.Log != nil {
			h.Log.WithError(err).WithField("jti", alert.JTI).Warn("security webhook delivery failed")
		}
	}()
}
