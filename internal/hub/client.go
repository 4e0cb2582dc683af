// Package hub speaks the upload protocol of a game hosting hub: existence
// checks, the hash listing, session begin/end, file uploads and post-upload
// progress.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/logging"
)

// Default timeouts.
const (
	DefaultTimeout        = 200 * time.Second
	DefaultConnectTimeout = 8 * time.Second
)

// HTTPClient abstracts HTTP requests for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransferMode selects how file bytes reach the hub.
type TransferMode int

const (
	// Remote streams file bytes in the request body.
	Remote TransferMode = iota
	// Local sends filesystem paths; the hub reads the files itself.
	Local
)

func (m TransferMode) String() string {
	if m == Local {
		return "local"
	}
	return "remote"
}

var localHosts = map[string]bool{
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"localhost": true,
	"::1":       true,
}

// ModeForHost returns Local for loopback and wildcard hosts.
func ModeForHost(host string) TransferMode {
	if localHosts[strings.ToLower(host)] {
		return Local
	}
	return Remote
}

// Options configures a Client.
type Options struct {
	// BaseURL is the root every endpoint is resolved against, for example
	// https://hub.example.com/dynamic/.
	BaseURL        string
	Cookie         string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	HTTPClient     HTTPClient
	Logger         *zap.Logger
}

// Client talks to one hub.
type Client struct {
	base    *url.URL
	cookie  string
	timeout time.Duration
	http    HTTPClient
	mode    TransferMode
	log     *zap.Logger
}

// New validates the base URL and returns a Client.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing hub url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q must use http or https", opts.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("hub url %q has no host", opts.BaseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient(opts.ConnectTimeout)
	}

	return &Client{
		base:    u,
		cookie:  opts.Cookie,
		timeout: opts.Timeout,
		http:    httpClient,
		mode:    ModeForHost(u.Hostname()),
		log:     logging.OrNop(opts.Logger),
	}, nil
}

func defaultHTTPClient(connectTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.MaxIdleConnsPerHost = 8
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Host identifies the hub in the hash cache.
func (c *Client) Host() string {
	return c.base.Host
}

// Mode returns the transfer mode chosen for the hub host.
func (c *Client) Mode() TransferMode {
	return c.mode
}

func (c *Client) endpoint(path, rawQuery string) string {
	u := c.base.ResolveReference(&url.URL{Path: path})
	u.RawQuery = rawQuery
	return u.String()
}

// do sends one request with the session cookie under the per-request timeout
// and returns the response with its body fully read.
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, data, nil
}

func isJSON(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// answer is the envelope the hub wraps most replies in.
type answer struct {
	OK      bool   `json:"ok"`
	Msg     string `json:"msg"`
	Corrupt bool   `json:"corrupt"`
	Session string `json:"session"`
}

func decodeAnswer(resp *http.Response, body []byte) (answer, bool) {
	var a answer
	if !isJSON(resp) || len(body) == 0 {
		return a, false
	}
	if err := json.Unmarshal(body, &a); err != nil {
		return answer{}, false
	}
	return a, true
}

func reason(resp *http.Response) string {
	return http.StatusText(resp.StatusCode)
}
