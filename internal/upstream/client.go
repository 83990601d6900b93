// internal/upstream/client.go
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbakes1/unl-bb/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

const (
	listPath    = "/api/OCDSReleases"
	releasePath = "/api/OCDSReleases/release/"

	maxBodyBytes = 512 << 20
)

type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client // overrides Timeout when set
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the OCDS releases API. It never retries; callers decide.
type Client struct {
	base    *url.URL
	http    *http.Client
	ua      string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream base url %q: scheme and host required", opts.BaseURL)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "OCDS-Cache-System/1.0"
	}

	return &Client{
		base:    base,
		http:    client,
		ua:      ua,
		log:     opts.Log.With().Str("component", "upstream").Logger(),
		metrics: opts.Metrics,
	}, nil
}

// FetchPage loads one page of releases. links.next present means more pages exist.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	q := url.Values{}
	q.Set("PageNumber", strconv.Itoa(max(req.Page, 1)))
	q.Set("PageSize", strconv.Itoa(req.PageSize))
	if !req.DateFrom.IsZero() {
		q.Set("dateFrom", req.DateFrom.Format(DateLayout))
	}
	if !req.DateTo.IsZero() {
		q.Set("dateTo", req.DateTo.Format(DateLayout))
	}

	body, err := c.get(ctx, "page", listPath, "", q.Encode())
	if err != nil {
		return nil, err
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.fail("page", &Error{Op: "page", Kind: KindMalformed, Err: fmt.Errorf("decode page %d: %w", req.Page, err)})
	}

	page := &Page{Releases: env.Releases}
	if env.Links != nil && strings.TrimSpace(env.Links.Next) != "" {
		page.Next = env.Links.Next
		page.HasNext = true
	}
	c.log.Debug().
		Int("page", req.Page).
		Int("page_size", req.PageSize).
		Int("releases", len(page.Releases)).
		Bool("has_next", page.HasNext).
		Msg("page fetched")
	return page, nil
}

// FetchRelease loads a single release by ocid.
func (c *Client) FetchRelease(ctx context.Context, ocid string) (json.RawMessage, error) {
	body, err := c.get(ctx, "release", releasePath+ocid, releasePath+url.PathEscape(ocid), "")
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, c.fail("release", &Error{Op: "release", Kind: KindMalformed, Err: errors.New("release body is not a JSON object")})
	}
	return json.RawMessage(trimmed), nil
}

// Passthrough forwards a caller's raw query string to the list endpoint and returns the body as is.
func (c *Client) Passthrough(ctx context.Context, rawQuery string) (json.RawMessage, error) {
	body, err := c.get(ctx, "passthrough", listPath, "", rawQuery)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, c.fail("passthrough", &Error{Op: "passthrough", Kind: KindMalformed, Err: errors.New("body is not JSON")})
	}
	return json.RawMessage(trimmed), nil
}

// get issues a GET below the base URL. rawPath is the escaped form of path, empty when path needs no escaping.
func (c *Client) get(ctx context.Context, op, path, rawPath, rawQuery string) ([]byte, error) {
	u := *c.base
	prefix := strings.TrimRight(c.base.Path, "/")
	u.Path = prefix + path
	if rawPath != "" {
		u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + rawPath
	}
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(op, metrics.OutcomeError, time.Since(start))
		return nil, &Error{Op: op, Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		c.metrics.ObserveUpstream(op, metrics.OutcomeError, time.Since(start))
		kind := KindUnavailable
		if resp.StatusCode == http.StatusNotFound && op == "release" {
			kind = KindNotFound
		}
		return nil, &Error{Op: op, Kind: kind, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	r, err := bodyReader(resp)
	if err != nil {
		c.metrics.ObserveUpstream(op, metrics.OutcomeError, time.Since(start))
		return nil, &Error{Op: op, Kind: KindMalformed, Status: resp.StatusCode, Err: err}
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		// connection dropped mid-body: treat like a transport error
		c.metrics.ObserveUpstream(op, metrics.OutcomeError, time.Since(start))
		return nil, &Error{Op: op, Kind: KindUnavailable, Err: fmt.Errorf("read body: %w", err)}
	}
	c.metrics.ObserveUpstream(op, metrics.OutcomeOK, time.Since(start))
	return body, nil
}

// bodyReader transcodes to UTF-8 when the response declares another charset.
func bodyReader(resp *http.Response) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return resp.Body, nil
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return resp.Body, nil
	}
	r, err := charset.NewReaderLabel(cs, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", cs, err)
	}
	return r, nil
}

func (c *Client) fail(op string, err *Error) error {
	c.log.Warn().Err(err).Str("op", op).Msg("upstream response rejected")
	return err
}
