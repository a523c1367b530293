package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ============================================================================
// REST Client
// ============================================================================

const (
	DefaultTimeout = 30 * time.Second
	MaxUploadSize  = 50 * 1024 * 1024
)

// Client talks to the backend's REST surface: account lookup and media
// upload. Realtime traffic goes through a Channel.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenProvider sets where bearer tokens come from.
func WithTokenProvider(tokens TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

// WithToken authenticates every request with a fixed token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.tokens = StaticToken(token) }
}

// NewClient creates a REST client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
			apiErr = wrapped.Error
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	return c.do(req)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Account
// ============================================================================

// Account is the authenticated user as seen by the backend.
type Account struct {
	UserID   string `json:"userId"`
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// Me returns the account behind the current token.
func (c *Client) Me(ctx context.Context) (*Account, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	acct, err := decodeJSON[Account](data)
	if err != nil {
		return nil, err
	}
	if acct.UserID == "" {
		return nil, fmt.Errorf("%w: account without userId", ErrMalformed)
	}
	return acct, nil
}

// ============================================================================
// Upload
// ============================================================================

// UploadResult is a stored resource ready to be sent as message content.
type UploadResult struct {
	URL      string      `json:"url"`
	FileName string      `json:"fileName,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	Type     MessageType `json:"-"`
}

// Uploader stores media and returns its resource locator.
type Uploader interface {
	Upload(ctx context.Context, data []byte, fileName string) (*UploadResult, error)
}

// Upload posts data as a multipart form and returns the stored resource.
func (c *Client) Upload(ctx context.Context, data []byte, fileName string) (*UploadResult, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	if len(data) > MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	mimeType := guessMimeType(fileName)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.WriteField("mimeType", mimeType)
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[UploadResult](body)
	if err != nil {
		return nil, err
	}
	if res.URL == "" {
		return nil, fmt.Errorf("%w: upload response without url", ErrMalformed)
	}
	if res.FileName == "" {
		res.FileName = fileName
	}
	if res.MimeType == "" {
		res.MimeType = mimeType
	}
	res.Type = messageTypeFor(res.MimeType)
	return res, nil
}

// UploadFile uploads a local file.
func (c *Client) UploadFile(ctx context.Context, filePath string) (*UploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return c.Upload(ctx, data, filepath.Base(filePath))
}

func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
		".mov": "video/quicktime", ".mp4": "video/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func messageTypeFor(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return TypeVideo
	default:
		return TypeDocument
	}
}
