package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// ResourcePath is the collection path of the remote catalog.
const ResourcePath = "/oompa-loompas"

// Error is returned for any failed request. Status is the HTTP status code,
// or 0 when no response was received.
type Error struct {
	URL      string
	Method   string
	Status   int
	Body     string
	TheError error
}

func (e *Error) Error() string {
	if e == nil || e.TheError == nil {
		return ""
	}
	return e.TheError.Error()
}

func (e *Error) Unwrap() error { return e.TheError }

func NewError(url, method string, status int, body string, err error) *Error {
	return &Error{
		URL:      url,
		Method:   method,
		Status:   status,
		Body:     body,
		TheError: err,
	}
}

// StatusCode returns the HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	return 0, false
}

// PageResponse is one page of the catalog.
type PageResponse struct {
	Current int                `json:"current"`
	Total   int                `json:"total"`
	Results []character.Detail `json:"results"`
}

// Client fetches catalog pages and detail records over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
	retries int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the http.Client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTimeout sets the http.Client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.client
			hc.Timeout = d
			c.client = &hc
		}
	}
}

// WithRetries sets how many times a request is retried after a transport
// failure. HTTP error statuses are never retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.logger = log }
}

// New returns a Client for the catalog rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.NewNop(),
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithPrefix("[remote]")
	return c
}

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "Character Directory Client/" + Version + " (" + gitSHA + ")"
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "EOF")
}

// safeBodyPreview returns a preview of a response body fit for logging:
// binary or unknown content is reduced to its size and hash, text is truncated.
func safeBodyPreview(body []byte, contentType string, maxChars int) string {
	if maxChars == 0 {
		maxChars = 200
	}
	lower := strings.ToLower(contentType)
	textual := contentType == ""
	for _, t := range []string{"text/", "application/json", "application/xml"} {
		if strings.Contains(lower, t) {
			textual = true
			break
		}
	}
	if !textual {
		hash := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", contentType, len(body), hex.EncodeToString(hash[:8]))
	}
	if len(body) > maxChars {
		return string(body[:maxChars]) + "[truncated, total: " + strconv.Itoa(len(body)) + " chars]"
	}
	return string(body)
}

func (c *Client) resolve(pathParam string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = pathParam
	} else {
		u.Path = path.Join(u.Path, pathParam)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// get issues a GET and returns the body of a 2xx response along with the
// resolved request URL.
func (c *Client) get(ctx context.Context, pathParam string, query url.Values) ([]byte, string, error) {
	const method = http.MethodGet
	target, err := c.resolve(pathParam, query)
	if err != nil {
		return nil, "", NewError(c.baseURL, method, 0, "", fmt.Errorf("error parsing base url: %w", err))
	}
	requestID := uuid.NewString()
	c.logger.Trace("sending request: %s %s (%s)", method, target, requestID)

	var resp *http.Response
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return backoff.Permanent(NewError(target, method, 0, "", fmt.Errorf("error creating request: %w", err)))
		}
		req.Header.Set("User-Agent", UserAgent())
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", requestID)
		r, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || !shouldRetry(err) {
				return backoff.Permanent(err)
			}
			c.logger.Trace("client returned retryable error, retrying: %s", err)
			return err
		}
		resp = r
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 150 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.retries)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
		var rerr *Error
		if errors.As(err, &rerr) {
			return nil, "", rerr
		}
		return nil, "", NewError(target, method, 0, "", fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()
	c.logger.Debug("response status: %s", resp.Status)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", NewError(target, method, resp.StatusCode, "", fmt.Errorf("error reading response body: %w", err))
	}
	contentType := resp.Header.Get("Content-Type")
	c.logger.Trace("response body: %s, content-type: %s", safeBodyPreview(body, contentType, 200), contentType)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", NewError(target, method, resp.StatusCode, string(body),
			fmt.Errorf("HTTP %d: failed to fetch data", resp.StatusCode))
	}
	return body, target, nil
}

// GetPage fetches page of the catalog.
func (c *Client) GetPage(ctx context.Context, page int) (*PageResponse, error) {
	body, target, err := c.get(ctx, ResourcePath, url.Values{"page": []string{strconv.Itoa(page)}})
	if err != nil {
		return nil, err
	}
	var res PageResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, NewError(target, http.MethodGet, http.StatusOK, string(body),
			fmt.Errorf("error JSON decoding response: %w", err))
	}
	return &res, nil
}

// GetDetail fetches the raw detail payload of id. The payload does not carry
// the id; see character.DecodeDetail.
func (c *Client) GetDetail(ctx context.Context, id int) (json.RawMessage, error) {
	body, _, err := c.get(ctx, ResourcePath+"/"+strconv.Itoa(id), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
