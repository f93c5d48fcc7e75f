package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/httpclient"
)

const webhookVenue = "alert_webhook"

// WebhookChannel posts alerts to a chat incoming-webhook URL (Slack and
// Mattermost accept the same {"text": ...} payload).
type WebhookChannel struct {
	url  string
	exec *httpclient.Executor
}

// NewWebhookChannel posts to url, retrying transport failures and 5xx answers.
func NewWebhookChannel(url string, client *http.Client, logger *zap.Logger) *WebhookChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookChannel{
		url:  url,
		exec: httpclient.New(logger, nil, client, 2, webhookVenue, nil),
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(map[string]string{"text": chatText(a)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return w.exec.DoJSON(ctx, req, webhookVenue, nil)
}

func chatText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", a.Severity, a.Title, a.Message)
	if a.Detail != "" {
		fmt.Fprintf(&b, "\n%s", a.Detail)
	}
	fmt.Fprintf(&b, "\nsource=%s audience=%s id=%s", a.Source, a.Audience, a.ID)
	return b.String()
}
