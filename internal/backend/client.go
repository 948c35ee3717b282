// Package backend is the request/response client for the accounting backend.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"field-sync-service/internal/logger"
	"field-sync-service/internal/syncerr"
)

// Credentials are sent as basic auth when Login is set.
type Credentials struct {
	Login    string
	Password string
}

type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	reauth    Reauthenticator
	creds     Credentials
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithReauth installs the transport-level re-authentication hook. It wraps
// the final HTTP client whatever the option order.
func WithReauth(r Reauthenticator) Option {
	return func(c *Client) { c.reauth = r }
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "field-sync-service",
		http:      &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reauth != nil {
		hc := *c.http
		hc.Transport = NewReauthTransport(hc.Transport, c.reauth)
		c.http = &hc
	}
	return c
}

// SetCredentials switches the basic-auth identity for the active account.
func (c *Client) SetCredentials(creds Credentials) {
	c.creds = creds
}

func (c *Client) BaseURL() string { return c.baseURL }

// CheckResponse is the result of GET /check/{accountGuid}. Options holds
// every field except token, read and license, re-encoded as JSON.
type CheckResponse struct {
	Token   string
	Read    bool
	License string
	Options string
}

func (c *Client) Check(ctx context.Context, accountGUID string) (*CheckResponse, error) {
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, "check", "/check/"+url.PathEscape(accountGUID), &raw); err != nil {
		return nil, err
	}

	resp := &CheckResponse{}
	if v, ok := raw["token"]; ok {
		if err := json.Unmarshal(v, &resp.Token); err != nil {
			return nil, decodeErr("check", err)
		}
	}
	if v, ok := raw["read"]; ok {
		if err := json.Unmarshal(v, &resp.Read); err != nil {
			return nil, decodeErr("check", err)
		}
	}
	if v, ok := raw["license"]; ok {
		if err := json.Unmarshal(v, &resp.License); err != nil {
			return nil, decodeErr("check", err)
		}
	}
	delete(raw, "token")
	delete(raw, "read")
	delete(raw, "license")

	opts, err := json.Marshal(raw)
	if err != nil {
		return nil, decodeErr("check", err)
	}
	resp.Options = string(opts)
	return resp, nil
}

// CatalogPage is one page of GET /get/{type}/{token}{more}.
type CatalogPage struct {
	Data []json.RawMessage `json:"data"`
	More string            `json:"more,omitempty"`
}

func (c *Client) GetCatalog(ctx context.Context, catalogType, token, more string) (*CatalogPage, error) {
	path := "/get/" + url.PathEscape(catalogType) + "/" + url.PathEscape(token) + cursorSuffix(more)

	var page CatalogPage
	if err := c.getJSON(ctx, "get "+catalogType, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// cursorSuffix appends the more cursor: verbatim when the backend already
// supplied a separator, as a path segment otherwise.
func cursorSuffix(more string) string {
	switch {
	case more == "":
		return ""
	case strings.HasPrefix(more, "/"), strings.HasPrefix(more, "?"):
		return more
	default:
		return "/" + url.PathEscape(more)
	}
}

// PostResponse is the answer to POST /post/{token}.
type PostResponse struct {
	Result string `json:"result"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *Client) Post(ctx context.Context, token string, body any) (*PostResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &syncerr.ValidationError{Field: "body", Message: err.Error()}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/post/"+url.PathEscape(token), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp PostResponse
	if err := c.do(req, "post", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type DocumentResponse struct {
	Content json.RawMessage `json:"content"`
	Error   string          `json:"error"`
}

func (c *Client) GetDocument(ctx context.Context, docType, guid, token string) (*DocumentResponse, error) {
	path := "/document/" + url.PathEscape(docType) + "/" + url.PathEscape(guid) + "/" + url.PathEscape(token)

	var resp DocumentResponse
	if err := c.getJSON(ctx, "document", path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type PrintResponse struct {
	Data  string `json:"data"`
	Error string `json:"error"`
}

// Decode returns the printable form carried base64-encoded in Data.
func (p *PrintResponse) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

func (c *Client) GetPrint(ctx context.Context, guid string) (*PrintResponse, error) {
	var resp PrintResponse
	if err := c.getJSON(ctx, "print", "/print/"+url.PathEscape(guid), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, &syncerr.ValidationError{Field: "backend.base_url", Message: "not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &syncerr.ValidationError{Field: "url", Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.creds.Login != "" {
		req.SetBasicAuth(c.creds.Login, c.creds.Password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &syncerr.NetworkError{Op: op, Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &syncerr.NetworkError{Op: op, Err: err, Retryable: true}
	}

	logger.Log.Debug("Backend request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &syncerr.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Status, body),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return decodeErr(op, err)
	}
	return nil
}

// errorMessage prefers an {"error": "..."} body over the bare status line.
func errorMessage(status string, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return status
}

func decodeErr(op string, err error) error {
	return &syncerr.NetworkError{Op: op, Message: fmt.Sprintf("malformed response: %v", err)}
}
