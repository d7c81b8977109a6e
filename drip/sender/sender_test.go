package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/internal/httpclient"
)

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSender(zap.New(core).Sugar())

	res := s.Send(context.Background(), "ada@example.com", "Welcome", "Hello Ada")
	require.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.ExternalID, "log_"))
	assert.Empty(t, res.Error)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "ada@example.com", fields["to"])
	assert.Equal(t, am.TransportLog, fields["transport"])
	assert.Equal(t, res.ExternalID, fields["message_id"])

	other := s.Send(context.Background(), "b@example.com", "s", "b")
	assert.NotEqual(t, res.ExternalID, other.ExternalID)
}

func TestLogSender_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewLogSender(zap.NewNop().Sugar()).Send(ctx, "a@example.com", "s", "b")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "context canceled")
}

func newWebhook(t *testing.T, handler http.HandlerFunc) *WebhookSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := httpclient.NewSaferClient(5*time.Second, httpclient.WithPrivateNetworks(true))
	w, err := NewWebhookSender(srv.URL+"/send", client, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return w
}

func TestWebhookSender_Success(t *testing.T) {
	var got WebhookPayload
	w := newWebhook(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusAccepted)
		_, _ = rw.Write([]byte(`{"id":"msg_123"}`))
	})

	res := w.Send(context.Background(), "ada@example.com", "Welcome", "Hello Ada")
	assert.Equal(t, Result{Success: true, ExternalID: "msg_123"}, res)
	assert.Equal(t, WebhookPayload{To: "ada@example.com", Subject: "Welcome", Body: "Hello Ada"}, got)
}

func TestWebhookSender_IDFromHeader(t *testing.T) {
	w := newWebhook(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set(MessageIDHeader, "hdr_9")
		_, _ = rw.Write([]byte("queued"))
	})

	res := w.Send(context.Background(), "a@example.com", "s", "b")
	assert.True(t, res.Success)
	assert.Equal(t, "hdr_9", res.ExternalID)
}

func TestWebhookSender_Rejected(t *testing.T) {
	w := newWebhook(t, func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "mailbox unavailable", http.StatusServiceUnavailable)
	})

	res := w.Send(context.Background(), "a@example.com", "s", "b")
	assert.False(t, res.Success)
	assert.Equal(t, "webhook returned 503 Service Unavailable: mailbox unavailable", res.Error)
}

func TestWebhookSender_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := httpclient.NewSaferClient(time.Second, httpclient.WithPrivateNetworks(true))
	w, err := NewWebhookSender(url, client, zap.NewNop().Sugar())
	require.NoError(t, err)

	res := w.Send(context.Background(), "a@example.com", "s", "b")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "webhook request failed")
}

func TestNewWebhookSender_BlocksPrivateByDefault(t *testing.T) {
	client := httpclient.NewSaferClient(time.Second)
	_, err := NewWebhookSender("http://127.0.0.1:9/send", client, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid webhook url")
}

func TestStatusError_Truncates(t *testing.T) {
	msg := statusError(http.StatusBadRequest, []byte(strings.Repeat("x", 500)))
	assert.Len(t, msg, len("webhook returned 400 Bad Request: ")+200)
}

func TestStatusError_TruncatesOnRuneBoundary(t *testing.T) {
	prefix := "webhook returned 502 Bad Gateway: "

	// 199 ASCII bytes then a 3-byte rune straddling the 200 byte cut
	body := strings.Repeat("x", 199) + strings.Repeat("€", 50)
	msg := statusError(http.StatusBadGateway, []byte(body))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, prefix+strings.Repeat("x", 199), msg)

	msg = statusError(http.StatusBadGateway, []byte(strings.Repeat("日本", 100)))
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), len(prefix)+200)
	assert.Equal(t, prefix+strings.Repeat("日本", 33), msg)

	msg = statusError(http.StatusBadGateway, []byte{'o', 'k', 0xff, 0xfe})
	assert.True(t, utf8.ValidString(msg), "invalid bytes from the remote are replaced")
	assert.Equal(t, prefix+"ok\uFFFD", msg)
}

func TestRateLimited(t *testing.T) {
	var calls atomic.Int64
	next := Func(func(ctx context.Context, to, subject, body string) Result {
		calls.Add(1)
		return Delivered("ok")
	})

	r := NewRateLimited(next, 1)
	assert.True(t, r.Send(context.Background(), "a", "s", "b").Success, "burst token available")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := r.Send(ctx, "a", "s", "b")
	assert.False(t, res.Success, "second send needs a token a second away")
	assert.Contains(t, res.Error, "send rate limit")
	assert.Equal(t, int64(1), calls.Load())

	r.SetRate(1000)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, r.Send(context.Background(), "a", "s", "b").Success)
}

func TestRateLimited_ZeroIsUnlimited(t *testing.T) {
	next := Func(func(ctx context.Context, to, subject, body string) Result {
		return Delivered("ok")
	})

	r := NewRateLimited(next, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.True(t, r.Send(ctx, "a", "s", "b").Success, "send %d", i)
	}

	r.SetRate(1)
	require.True(t, r.Send(context.Background(), "a", "s", "b").Success)
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.False(t, r.Send(short, "a", "s", "b").Success, "limit applies after SetRate")

	r.SetRate(0)
	assert.True(t, r.Send(context.Background(), "a", "s", "b").Success, "zero lifts the limit again")
}

func TestNewAdjustable(t *testing.T) {
	cfg, err := am.DefaultConfig()
	require.NoError(t, err)

	r, err := NewAdjustable(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, r.next)
	assert.True(t, r.Send(context.Background(), "ada@example.com", "s", "b").Success)

	cfg.Transport.Kind = "pigeon"
	_, err = NewAdjustable(cfg, nil)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	cfg, err := am.DefaultConfig()
	require.NoError(t, err)

	s, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	cfg.Transport.MaxSendsPerSecond = 5
	s, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RateLimited{}, s)

	cfg.Transport.MaxSendsPerSecond = 0
	cfg.Transport.Kind = am.TransportWebhook
	cfg.Transport.WebhookURL = "https://hooks.example.com/mail"
	s, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebhookSender{}, s)

	cfg.Transport.WebhookURL = "http://localhost/mail"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Transport.Kind = "pigeon"
	_, err = New(cfg, nil)
	assert.ErrorContains(t, err, `unknown transport kind "pigeon"`)
}
