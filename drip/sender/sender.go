// Package sender delivers rendered messages to an external transport.
//
// A Sender never retries and never returns an error: transport failures come
// back as a Result with Success false, which the step processor records as a
// failed message and a per-enrollment failure.
package sender

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/internal/httpclient"
)

// Result is the outcome of a single send
type Result struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Sender delivers one message
type Sender interface {
	Send(ctx context.Context, to, subject, body string) Result
}

// Func adapts a function to the Sender interface
type Func func(ctx context.Context, to, subject, body string) Result

// Send calls f
func (f Func) Send(ctx context.Context, to, subject, body string) Result {
	return f(ctx, to, subject, body)
}

// Failed builds a failure result from err
func Failed(err error) Result {
	return Result{Error: err.Error()}
}

// Delivered builds a success result
func Delivered(externalID string) Result {
	return Result{Success: true, ExternalID: externalID}
}

// New builds the configured transport, wrapped in a rate limiter when
// transport.max_sends_per_second is set.
func New(cfg *am.Config, log *zap.SugaredLogger) (Sender, error) {
	s, err := newTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Transport.MaxSendsPerSecond > 0 {
		s = NewRateLimited(s, cfg.Transport.MaxSendsPerSecond)
	}
	return s, nil
}

func newTransport(cfg *am.Config, log *zap.SugaredLogger) (Sender, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	tc := cfg.Transport
	switch tc.Kind {
	case "", am.TransportLog:
		return NewLogSender(log), nil
	case am.TransportWebhook:
		client := httpclient.NewSaferClient(cfg.TransportTimeout(), httpclient.WithPrivateNetworks(tc.AllowPrivateNetworks))
		w, err := NewWebhookSender(tc.WebhookURL, client, log)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, errors.Newf("unknown transport kind %q", tc.Kind)
	}
}
