package telegram

import (
	"fmt"
	"net"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/userbots/core/config"
	"github.com/m3rciful/userbots/core/telegram/netutil"
)

const (
	defaultLongPoll     = 10 * time.Second
	dialTimeout         = 5 * time.Second
	tlsTimeout          = 5 * time.Second
	idleConnTimeout     = 30 * time.Second
	keepAlive           = 30 * time.Second
	headerSlack         = 10 * time.Second
	httpRetries         = 3
	httpRetryBackoff    = time.Second
	httpRetryMaxBackoff = 4 * time.Second
)

func longPollTimeout(cfg *coreconfig.Config) time.Duration {
	if cfg.Telegram.LongPollTimeoutSeconds > 0 {
		return time.Duration(cfg.Telegram.LongPollTimeoutSeconds) * time.Second
	}
	return defaultLongPoll
}

// buildPoller picks a webhook or a long poller from the run mode.
func buildPoller(cfg *coreconfig.Config) tele.Poller {
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:      fmt.Sprintf("%s:%d", cfg.Webhook.Listen, cfg.Webhook.Port),
			Endpoint:    &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
			SecretToken: cfg.Webhook.SecretToken,
		}
	}
	return &tele.LongPoller{Timeout: longPollTimeout(cfg)}
}

// buildHTTPClient returns a Bot API client that retries failed dials and
// timeouts. Response header waits are sized to outlast a long poll.
func buildHTTPClient(poll time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: poll + headerSlack,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   poll + 2*headerSlack,
		Transport: &retryTransport{base: transport, retries: httpRetries, backoff: httpRetryBackoff},
	}
}

type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				return nil, lastErr
			}
			if err := netutil.Sleep(req.Context(), netutil.Backoff(attempt, t.backoff, httpRetryMaxBackoff)); err != nil {
				return nil, err
			}
		}
		cur := req
		if attempt > 0 {
			cur = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				cur.Body = body
			}
		}
		resp, err := t.base.RoundTrip(cur)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !netutil.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}
