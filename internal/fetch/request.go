package fetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rb3ckers/storefetch/datatypes"
)

// Request is a description resolved against the base URL, ready for a Transport.
type Request struct {
	Method      datatypes.Method
	URL         string
	Headers     http.Header
	Body        []byte
	Credentials bool
	Timeout     time.Duration
	Extra       map[string]any
}

// Response is what a Transport got back. Non-2xx statuses are not errors at this level.
type Response struct {
	Request    *Request
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
}

// NewRequest resolves d against baseURL. The timeout applies unless d carries
// an explicit "timeout" (milliseconds) in Options.Extra.
func NewRequest(baseURL string, d datatypes.RequestDescription, timeout time.Duration) (*Request, error) {
	target, err := resolveURL(baseURL, d.Endpoint, d.Options.Params)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:      d.Method,
		URL:         target,
		Headers:     http.Header{},
		Credentials: d.Options.Credentials,
		Timeout:     timeout,
		Extra:       d.Options.Extra,
	}

	if t, ok := explicitTimeout(d.Options.Extra); ok {
		req.Timeout = t
	}

	if d.Method.HasBody() && d.Options.Data != nil {
		body, contentType, err := encodeBody(d.Options.Data)
		if err != nil {
			return nil, err
		}

		req.Body = body
		req.Headers.Set("Content-Type", contentType)
	}

	for k, v := range d.Options.Headers {
		req.Headers.Set(k, v)
	}

	return req, nil
}

func resolveURL(baseURL, endpoint string, params map[string]any) (string, error) {
	u, err := url.Parse(joinURL(baseURL, endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	if len(params) == 0 {
		return u.String(), nil
	}

	q := u.Query()

	for k, v := range params {
		switch vs := v.(type) {
		case nil:
		case []string:
			for _, s := range vs {
				q.Add(k, s)
			}
		case []any:
			for _, s := range vs {
				q.Add(k, fmt.Sprint(s))
			}
		default:
			q.Add(k, fmt.Sprint(vs))
		}
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

func encodeBody(data any) ([]byte, string, error) {
	switch d := data.(type) {
	case []byte:
		return d, "application/octet-stream", nil
	case string:
		return []byte(d), "text/plain; charset=utf-8", nil
	case url.Values:
		return []byte(d.Encode()), "application/x-www-form-urlencoded", nil
	default:
		body, err := json.Marshal(d)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}

		return body, "application/json", nil
	}
}

func explicitTimeout(extra map[string]any) (time.Duration, bool) {
	switch t := extra["timeout"].(type) {
	case time.Duration:
		return t, true
	case int:
		return time.Duration(t) * time.Millisecond, true
	case int64:
		return time.Duration(t) * time.Millisecond, true
	case float64:
		return time.Duration(t * float64(time.Millisecond)), true
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil {
			return d, true
		}
	}

	return 0, false
}
