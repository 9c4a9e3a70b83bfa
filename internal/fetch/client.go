package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/rb3ckers/storefetch/internal/config"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

// Transport executes a resolved Request.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client is the net/http Transport. Requests with credentials go through a
// client holding the session cookie jar, all others through one without.
type Client struct {
	anonymous    *http.Client
	credentialed *http.Client
	credentials  *Credentials
	breaker      *gobreaker.CircuitBreaker
	shareGets    bool
	group        singleflight.Group
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	credentials, err := LoadCredentials(cfg)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	client := &Client{
		anonymous:    &http.Client{Transport: transport},
		credentialed: &http.Client{Transport: transport, Jar: jar},
		credentials:  credentials,
		shareGets:    cfg.ShareGets,
	}

	if cfg.Breaker {
		failures := uint32(cfg.BreakerFailures)
		if failures == 0 {
			failures = 1
		}

		name := cfg.BaseURL
		if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
			name = u.Host
		}

		client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0, // Never clear counts
			Timeout:     time.Duration(cfg.BreakerCooldown) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: LoggingStatusHandler(*zerolog.Ctx(ctx)),
		})
	}

	return client, nil
}

func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	if c.shareGets && req.Method == datatypes.MethodGet && !req.Credentials {
		return c.doShared(ctx, req)
	}

	return c.execute(ctx, req)
}

// BreakerState reports the circuit breaker state, closed when there is no breaker.
func (c *Client) BreakerState() gobreaker.State {
	if c.breaker == nil {
		return gobreaker.StateClosed
	}

	return c.breaker.State()
}

func (c *Client) CloseIdleConnections() {
	c.anonymous.CloseIdleConnections()
}

type attempt struct {
	res *Response
	err error
}

func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := c.roundTrip(ctx, req)
		if errors.Is(err, context.Canceled) {
			// The caller went away; that says nothing about the target.
			return attempt{err: err}, nil
		}

		return attempt{res: res, err: err}, err
	})
	if err != nil {
		return nil, err
	}

	a := v.(attempt)

	return a.res, a.err
}

// doShared joins an identical in-flight GET if there is one. The shared call
// runs detached from any single caller so that one caller leaving does not
// abort it for the others.
func (c *Client) doShared(ctx context.Context, req *Request) (*Response, error) {
	ch := c.group.DoChan(shareKey(req), func() (interface{}, error) {
		return c.execute(context.WithoutCancel(ctx), req)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}

		if r.Shared {
			zerolog.Ctx(ctx).Trace().Str("url", req.URL).Msg("Shared in-flight GET")
		}

		return r.Val.(*Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shareKey identifies GETs that may share one call: same URL, headers,
// deadline and extra options.
func shareKey(req *Request) string {
	var key bytes.Buffer
	key.WriteString(req.URL)
	key.WriteByte(0)
	req.Headers.Write(&key) //nolint:errcheck
	key.WriteByte(0)
	key.WriteString(req.Timeout.String())

	if len(req.Extra) > 0 {
		key.WriteByte(0)

		extra, err := json.Marshal(req.Extra)
		if err != nil {
			// Unserializable options never match another request.
			fmt.Fprintf(&key, "%p", req)
		}

		key.Write(extra)
	}

	return key.String()
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	logger := zerolog.Ctx(ctx)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)

		defer cancel()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	netClient := c.anonymous
	if req.Credentials {
		netClient = c.credentialed
		c.credentials.Apply(httpReq)
	}

	logger.Debug().Str("method", string(req.Method)).Str("url", req.URL).Msg("Sending request")

	response, err := netClient.Do(httpReq)
	if err != nil {
		logger.Warn().Err(err).Str("method", string(req.Method)).Str("url", req.URL).Msg("Request failed")
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		logger.Warn().Err(err).Str("url", req.URL).Msg("Error reading response")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}

	return &Response{
		Request:    req,
		StatusCode: response.StatusCode,
		Headers:    response.Header,
		Body:       body,
		FetchedAt:  time.Now(),
	}, nil
}
