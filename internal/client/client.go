// Package client sends signed commands to the Instant Cloud API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/instantcloud/internal/config"
	"github.com/devghori1264/instantcloud/internal/signer"
)

// Command is one of the operations the service exposes. Its endpoint path
// is the command name.
type Command string

const (
	Licenses Command = "licenses"
	Machines Command = "machines"
	Launch   Command = "launch"
	Kill     Command = "kill"
)

// Method returns the HTTP method bound to c, or "" if c is unknown.
func (c Command) Method() string {
	switch c {
	case Licenses, Machines:
		return http.MethodGet
	case Launch, Kill:
		return http.MethodPost
	}
	return ""
}

// Commands lists every known command.
func Commands() []Command {
	return []Command{Licenses, Machines, Launch, Kill}
}

// Client executes commands for one account. It holds no state between
// calls other than its configuration.
type Client struct {
	creds        config.Credentials
	baseURL      string
	headerPrefix string
	http         *http.Client
	log          *zap.Logger
	now          func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a Client configured from opts.
func New(opts config.Options, options ...Option) *Client {
	c := &Client{
		creds:        opts.Credentials,
		baseURL:      opts.BaseURL,
		headerPrefix: opts.HeaderPrefix,
		http:         &http.Client{Timeout: opts.Timeout},
		log:          zap.NewNop(),
		now:          time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultBaseURL
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}
	if c.headerPrefix == "" {
		c.headerPrefix = config.DefaultHeaderPrefix
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// SignatureHeader and DateHeader return the names of the authentication
// headers.
func (c *Client) SignatureHeader() string { return c.headerPrefix + "Signature" }
func (c *Client) DateHeader() string      { return c.headerPrefix + "Date" }

// Send signs and issues cmd with params and returns the undecoded JSON
// response. params is not modified. The access id is added under "id".
func (c *Client) Send(ctx context.Context, cmd Command, params signer.Params) (json.RawMessage, error) {
	method := cmd.Method()
	if method == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd))
	}

	params = params.Clone()
	params["id"] = signer.String(c.creds.AccessID)

	url := c.baseURL + string(cmd)
	if method == http.MethodGet {
		url += "?id=" + signer.Quote(c.creds.AccessID)
	}

	ts := signer.Timestamp(c.now())
	canonical := signer.CanonicalString(method, params, ts)
	signature := signer.Sign(c.creds.SecretKey, canonical)

	var body io.Reader
	var encoded string
	if method == http.MethodPost {
		encoded = signer.Encode(params)
		body = strings.NewReader(encoded)
	}

	c.log.Debug("sending request",
		zap.String("command", string(cmd)),
		zap.String("method", method),
		zap.String("url", url),
		zap.String("canonical", canonical),
		zap.String("signature", signature),
		zap.String("body", encoded))

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(c.SignatureHeader(), signature)
	req.Header.Set(c.DateHeader(), ts)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	c.log.Debug("received response",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
		zap.Int("bytes", len(data)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "application/json" {
		return nil, &ProtocolError{ContentType: ct}
	}

	var out json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", cmd, err)
	}
	return out, nil
}
