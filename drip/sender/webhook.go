package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/internal/httpclient"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/version"
)

// maxReplyBytes bounds how much of a webhook reply is read
const maxReplyBytes = 64 << 10

// MessageIDHeader is the reply header consulted when the body carries no id
const MessageIDHeader = "X-Message-Id"

// WebhookPayload is the JSON body posted for each message
type WebhookPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type webhookReply struct {
	ID string `json:"id"`
}

// WebhookSender POSTs messages as JSON to a configured endpoint
type WebhookSender struct {
	url    string
	client *httpclient.SaferClient
	log    *zap.SugaredLogger
}

// NewWebhookSender validates url against the client's policy and returns a webhook transport
func NewWebhookSender(url string, client *httpclient.SaferClient, log *zap.SugaredLogger) (*WebhookSender, error) {
	if _, err := client.ValidateURL(url); err != nil {
		return nil, errors.Wrapf(err, "invalid webhook url")
	}
	return &WebhookSender{
		url:    url,
		client: client,
		log:    log.With(logger.FieldTransport, am.TransportWebhook),
	}, nil
}

// Send posts the message. Any 2xx reply is a success; the external id comes
// from the reply's "id" field or the X-Message-Id header.
func (s *WebhookSender) Send(ctx context.Context, to, subject, body string) Result {
	resp, err := s.client.PostJSON(ctx, s.url, WebhookPayload{To: to, Subject: subject, Body: body},
		map[string]string{"User-Agent": version.Get().UserAgent()})
	if err != nil {
		s.log.Warnw("Webhook request failed", logger.FieldError, err)
		return Failed(errors.Wrap(err, "webhook request failed"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Failed(errors.Wrap(err, "read webhook reply"))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warnw("Webhook rejected message", logger.FieldStatus, resp.StatusCode)
		return Result{Error: statusError(resp.StatusCode, raw)}
	}

	var reply webhookReply
	if len(raw) > 0 {
		// A non-JSON 2xx body is still a delivery
		_ = json.Unmarshal(raw, &reply)
	}
	id := reply.ID
	if id == "" {
		id = resp.Header.Get(MessageIDHeader)
	}
	return Delivered(id)
}

// maxSnippetBytes bounds the reply text kept in a failure message
const maxSnippetBytes = 200

// statusError describes a non-2xx reply. The body snippet is valid UTF-8 and
// cut on a rune boundary, since it is stored on the message row.
func statusError(code int, body []byte) string {
	msg := fmt.Sprintf("webhook returned %d %s", code, http.StatusText(code))
	snippet := strings.TrimSpace(strings.ToValidUTF8(string(body), "\uFFFD"))
	if len(snippet) > maxSnippetBytes {
		cut := maxSnippetBytes
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	if snippet != "" {
		msg += ": " + snippet
	}
	return msg
}
