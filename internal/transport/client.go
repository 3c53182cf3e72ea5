// Package transport is the SDK's HTTP collaborator. It downloads config
// snapshots, posts exposure batches and asks the server to evaluate specs
// the SDK cannot evaluate locally.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/rafaeljc/heimdall-sdk/internal/exposure"
	"github.com/rafaeljc/heimdall-sdk/internal/ruleengine"
)

// Endpoint paths, relative to the API and events base URLs.
const (
	PathDownloadConfigSpecs = "/download_config_specs"
	PathLogEvent            = "/log_event"
	PathCheckGate           = "/check_gate"
	PathGetConfig           = "/get_config"
)

// Header names sent with every request.
const (
	HeaderAPIKey     = "heimdall-api-key"
	HeaderSDKType    = "heimdall-sdk-type"
	HeaderSDKVersion = "heimdall-sdk-version"
	HeaderClientTime = "heimdall-client-time"
)

const (
	DefaultAPIURL  = "https://api.heimdall.dev/v1"
	DefaultTimeout = 3 * time.Second

	// SDKType identifies this SDK to the server.
	SDKType = "go-server"

	// maxResponseBytes bounds snapshot downloads.
	maxResponseBytes = 32 << 20

	// gzipThreshold is the body size above which event batches are
	// compressed.
	gzipThreshold = 1024
)

// Config holds the configuration for the transport Client.
type Config struct {
	SDKKey     string
	APIURL     string
	EventsURL  string // defaults to APIURL
	Timeout    time.Duration
	SDKVersion string

	// HTTPClient overrides the default pooled client (tests, proxies).
	HTTPClient *http.Client
}

// Client talks to the Heimdall API. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	apiURL    string
	eventsURL string
	sdkKey    string
	version   string
	timeout   time.Duration
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SDKKey) == "" {
		return nil, errors.New("sdk key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.EventsURL == "" {
		cfg.EventsURL = cfg.APIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SDKVersion == "" {
		cfg.SDKVersion = "dev"
	}

	apiURL, err := normalizeBaseURL(cfg.APIURL)
	if err != nil {
		return nil, err
	}
	eventsURL, err := normalizeBaseURL(cfg.EventsURL)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}

	return &Client{
		http:      client,
		apiURL:    apiURL,
		eventsURL: eventsURL,
		sdkKey:    cfg.SDKKey,
		version:   cfg.SDKVersion,
		timeout:   cfg.Timeout,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// FetchSpecs downloads the config snapshot changed since sinceTime. The
// raw payload is returned for the caller to parse and persist.
func (c *Client) FetchSpecs(ctx context.Context, sinceTime int64) ([]byte, error) {
	body := struct {
		SinceTime int64 `json:"sinceTime"`
	}{SinceTime: sinceTime}

	return c.post(ctx, c.apiURL+PathDownloadConfigSpecs, body, false)
}

// SubmitExposures posts a batch to the events endpoint.
func (c *Client) SubmitExposures(ctx context.Context, events []exposure.Event) error {
	body := struct {
		Events []exposure.Event `json:"events"`
	}{Events: events}

	_, err := c.post(ctx, c.eventsURL+PathLogEvent, body, true)
	var status *StatusError
	if errors.As(err, &status) && !status.Temporary() {
		// The same batch would be refused again.
		return backoff.Permanent(err)
	}
	return err
}

type remoteResult struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	RuleID    string          `json:"rule_id"`
	GroupName string          `json:"group_name"`
}

// Evaluate asks the server to evaluate name for u. Gates use check_gate;
// experiments and dynamic configs use get_config.
func (c *Client) Evaluate(ctx context.Context, kind ruleengine.Kind, name string, u *ruleengine.User) (ruleengine.Outcome, error) {
	var endpoint string
	var body any
	if kind == ruleengine.KindGate {
		endpoint = c.apiURL + PathCheckGate
		body = struct {
			User     *ruleengine.User `json:"user"`
			GateName string           `json:"gateName"`
		}{User: u, GateName: name}
	} else {
		endpoint = c.apiURL + PathGetConfig
		body = struct {
			User       *ruleengine.User `json:"user"`
			ConfigName string           `json:"configName"`
		}{User: u, ConfigName: name}
	}

	raw, err := c.post(ctx, endpoint, body, false)
	if err != nil {
		return ruleengine.Outcome{}, err
	}

	var res remoteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ruleengine.Outcome{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	out := ruleengine.Outcome{
		Matched:   res.RuleID != "",
		RuleID:    res.RuleID,
		GroupName: res.GroupName,
		Value:     res.Value,
	}
	if kind == ruleengine.KindGate {
		if err := json.Unmarshal(res.Value, &out.Pass); err != nil {
			return ruleengine.Outcome{}, fmt.Errorf("%w: gate value: %w", ErrBadResponse, err)
		}
	} else {
		out.Pass = out.Matched
	}
	return out, nil
}

// post sends body as JSON and returns the response body of a 2xx reply.
// Network failures and timeouts wrap ErrTransient; non-2xx replies are
// *StatusError.
func (c *Client) post(ctx context.Context, endpoint string, body any, compress bool) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var encoding string
	if compress && len(payload) > gzipThreshold {
		if payload, err = gzipBytes(payload); err != nil {
			return nil, err
		}
		encoding = "gzip"
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, c.sdkKey)
	req.Header.Set(HeaderSDKType, SDKType)
	req.Header.Set(HeaderSDKVersion, c.version)
	req.Header.Set(HeaderClientTime, strconv.FormatInt(time.Now().UnixMilli(), 10))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransient, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrTransient, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.ReplaceAll(string(respBody), "\n", " ")
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: snippet}
	}

	return respBody, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	return buf.Bytes(), nil
}
