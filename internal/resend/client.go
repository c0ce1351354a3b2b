// Package resend is a small client for the parts of the Resend API the reply
// pipeline reads: received emails, their attachments and raw sources.
package resend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abcotronics/docreply/internal/email/inbound/provider"
)

const (
	DefaultBaseURL = "https://api.resend.com"
	// KeyPrefix is carried by every real API key.
	KeyPrefix = "re_"

	// BrowserUserAgent is sent to CDNs that refuse non-browser clients.
	BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	maxJSONBytes = 4 << 20
	maxRawBytes  = 30 << 20
)

var (
	// ErrMissingAPIKey is returned when no usable key is configured.
	ErrMissingAPIKey = errors.New("resend: API key missing or malformed")
	// ErrJSONInsteadOfBytes is returned when a binary download answered JSON.
	ErrJSONInsteadOfBytes = errors.New("resend: JSON response where bytes were expected")
	// ErrUntrustedHost is returned instead of sending the API key to a host
	// outside the trusted set.
	ErrUntrustedHost = errors.New("resend: refusing to send API key to untrusted host")
)

// APIError carries a non-2xx response.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("resend: %s %s failed with status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// ValidKey reports whether key looks like a Resend API key.
func ValidKey(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), KeyPrefix)
}

// Client talks to the Resend REST API.
type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	trustedHosts []string
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at another host, used by tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.baseURL = base
		}
	}
}

// WithTrustedHosts adds hosts that may receive the API key on downloads. An
// entry also covers its subdomains. The API base host is always trusted.
func WithTrustedHosts(hosts ...string) Option {
	return func(c *Client) {
		for _, h := range hosts {
			if h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), "."); h != "" {
				c.trustedHosts = append(c.trustedHosts, h)
			}
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient builds a client. The key must carry the re_ prefix.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if !ValidKey(apiKey) {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// APIKey returns the configured key.
func (c *Client) APIKey() string { return c.apiKey }

func (c *Client) receivingURL(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL + "/emails/receiving/" + strings.Join(escaped, "/")
}

// GetReceivedEmail fetches a received email by id.
func (c *Client) GetReceivedEmail(ctx context.Context, emailID string) (*provider.ReceivedEmail, error) {
	body, err := c.getJSON(ctx, c.receivingURL(emailID))
	if err != nil {
		return nil, fmt.Errorf("get received email: %w", err)
	}
	email, err := provider.ParseReceivedEmail(body)
	if err != nil {
		return nil, fmt.Errorf("decode received email: %w", err)
	}
	if email.ID == "" {
		email.ID = emailID
	}
	return email, nil
}

// ListAttachments lists the attachments of a received email.
func (c *Client) ListAttachments(ctx context.Context, emailID string) ([]provider.AttachmentMeta, error) {
	body, err := c.getJSON(ctx, c.receivingURL(emailID, "attachments"))
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	list, err := provider.ParseAttachmentList(body)
	if err != nil {
		return nil, fmt.Errorf("decode attachment list: %w", err)
	}
	return list, nil
}

// GetAttachment fetches one attachment's metadata, including its download URL.
func (c *Client) GetAttachment(ctx context.Context, emailID, attachmentID string) (provider.AttachmentMeta, error) {
	body, err := c.getJSON(ctx, c.receivingURL(emailID, "attachments", attachmentID))
	if err != nil {
		return provider.AttachmentMeta{}, fmt.Errorf("get attachment: %w", err)
	}
	meta, err := provider.ParseAttachment(body)
	if err != nil {
		return provider.AttachmentMeta{}, fmt.Errorf("decode attachment: %w", err)
	}
	return meta, nil
}

// AttachmentBytes asks the API for the attachment content itself. At most
// limit+1 bytes are read so the caller can reject oversize files.
func (c *Client) AttachmentBytes(ctx context.Context, emailID, attachmentID string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.receivingURL(emailID, "attachments", attachmentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	if isJSON(resp.Header.Get("Content-Type")) {
		return nil, ErrJSONInsteadOfBytes
	}
	return readLimited(resp.Body, limit)
}

// DownloadOptions selects the headers sent with a CDN download.
type DownloadOptions struct {
	BrowserUA bool
	Bearer    bool
}

// Download fetches a signed download URL. At most limit+1 bytes are read.
func (c *Client) Download(ctx context.Context, rawURL string, opts DownloadOptions, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if opts.BrowserUA {
		req.Header.Set("User-Agent", BrowserUserAgent)
		req.Header.Set("Accept", "*/*")
	}
	if opts.Bearer {
		if !c.trusts(req.URL) {
			return nil, fmt.Errorf("%w: %s", ErrUntrustedHost, req.URL.Hostname())
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return readLimited(resp.Body, limit)
}

// trusts reports whether u points at the API host or a trusted download host.
// Download URLs can come from unsigned webhook bodies.
func (c *Client) trusts(u *url.URL) bool {
	if u == nil || u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if base, err := url.Parse(c.baseURL); err == nil && host == strings.ToLower(base.Hostname()) {
		return true
	}
	for _, t := range c.trustedHosts {
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}

// FetchRaw downloads a raw .eml source, first without credentials, then with
// the API key.
func (c *Client) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for _, opts := range []DownloadOptions{{}, {Bearer: true}} {
		body, err := c.Download(ctx, rawURL, opts, maxRawBytes)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch raw email: %w", lastErr)
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(req, resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	return &APIError{Method: req.Method, URL: target, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
