package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/bracketbot/pkg/ratelimit"
)

const defaultTimeout = 30 * time.Second

// Client sends one HTTP request and hands back the raw response. It never
// retries: a repeated POST could place a second order.
type Client struct {
	client  *resty.Client
	limiter ratelimit.RateLimiter
}

// Doer is the capability the rest of the module depends on: send one
// request, get a response or an error.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

type Options struct {
	Timeout time.Duration
	Limiter ratelimit.RateLimiter
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	// resty reads HTTP_PROXY/HTTPS_PROXY from the environment
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(0)

	return &Client{client: client, limiter: opts.Limiter}
}

type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Params  map[string]any
	Body    any
}

type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if r == nil || len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, out)
}

// ErrorBody returns the decoded JSON payload, or the raw text when the body
// is not JSON.
func (r *Response) ErrorBody() any {
	if r == nil {
		return nil
	}
	return DecodeBody(r.Body)
}

func DecodeBody(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var body any
	if err := json.Unmarshal(b, &body); err == nil && body != nil {
		return body
	}
	return string(b)
}

// Do sends req. A non-nil error means no HTTP response was received; any
// received status, including 4xx/5xx, comes back as a Response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}

	rc := c.newRequest(ctx)
	for k, v := range req.Headers {
		rc.SetHeader(k, v)
	}
	if req.Params != nil {
		rc.SetQueryParamsFromValues(toValues(req.Params))
	}
	if req.Body != nil {
		rc.SetHeader("Content-Type", "application/json")
		rc.SetBody(req.Body)
	}

	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported method: %s", req.Method)
	}

	resp, err := rc.Execute(method, req.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, req.Path)
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", "bracketbot")
	return r
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}
