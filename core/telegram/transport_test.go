package telegram

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/userbots/core/config"
)

type scriptedTrip struct {
	errs  []error
	calls int
}

func (s *scriptedTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func dialErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestRetryTransportRetriesDialFailures(t *testing.T) {
	base := &scriptedTrip{errs: []error{dialErr(), dialErr()}}
	rt := &retryTransport{base: base, retries: 3, backoff: time.Millisecond}

	req, err := http.NewRequest(http.MethodPost, "https://api.telegram.org/bot/getMe", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, base.calls)
}

func TestRetryTransportStopsOnPermanentError(t *testing.T) {
	base := &scriptedTrip{errs: []error{errors.New("tls: bad certificate")}}
	rt := &retryTransport{base: base, retries: 3, backoff: time.Millisecond}

	req, err := http.NewRequest(http.MethodGet, "https://api.telegram.org", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 1, base.calls)
}

func TestBuildPoller(t *testing.T) {
	cfg := &coreconfig.Config{Telegram: coreconfig.TelegramConfig{RunMode: coreconfig.RunModeLongpoll}}
	lp, ok := buildPoller(cfg).(*tele.LongPoller)
	require.True(t, ok)
	assert.Equal(t, defaultLongPoll, lp.Timeout)

	cfg.Telegram.LongPollTimeoutSeconds = 25
	assert.Equal(t, 25*time.Second, longPollTimeout(cfg))

	cfg.Telegram.RunMode = coreconfig.RunModeWebhook
	cfg.Webhook = coreconfig.WebhookConfig{URL: "https://bot.example/hook", Listen: "0.0.0.0", Port: 8443, SecretToken: "s3"}
	wh, ok := buildPoller(cfg).(*tele.Webhook)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0:8443", wh.Listen)
	assert.Equal(t, "s3", wh.SecretToken)
	assert.Equal(t, "https://bot.example/hook", wh.Endpoint.PublicURL)
}

func TestHTTPClientOutlastsLongPoll(t *testing.T) {
	c := buildHTTPClient(defaultLongPoll)
	assert.Greater(t, c.Timeout, defaultLongPoll)
}
