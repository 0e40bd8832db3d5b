// Package webdav crawls WebDAV shares. Listings use PROPFIND with
// Depth 1 and are retried a few times before the crawl task fails;
// file payloads are fetched by the resumable fetcher, not here.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
)

const (
	listAttempts  = 3
	listDelayUnit = 5 * time.Second
)

// Item is one member of a collection listing.
type Item struct {
	// Href is the absolute URL of the member.
	Href  string
	Name  string
	Size  int64
	IsDir bool
}

// Client lists and walks WebDAV collections.
type Client struct {
	httpClient *http.Client
	username   string
	password   string
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewClient builds a client with basic-auth credentials. Credentials
// may be empty for open shares.
func NewClient(username, password string, requestTimeout time.Duration, logger zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
		return false, err
	}
	rc.HTTPClient.Timeout = requestTimeout
	return &Client{
		httpClient: rc.StandardClient(),
		username:   username,
		password:   password,
		retryDelay: listDelayUnit,
		log:        logger,
	}
}

type multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Prop struct {
		DisplayName   string `xml:"displayname"`
		ContentLength int64  `xml:"getcontentlength"`
		ResourceType  struct {
			Collection *struct{} `xml:"collection"`
		} `xml:"resourcetype"`
	} `xml:"prop"`
	Status string `xml:"status"`
}

// List returns the members of a collection, excluding the collection
// itself. Transient listing failures are retried with a linear delay.
func (c *Client) List(ctx context.Context, dirURL string) ([]Item, error) {
	var lastErr error
	for attempt := 1; attempt <= listAttempts; attempt++ {
		items, err := c.propfind(ctx, dirURL)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if attempt < listAttempts {
			c.log.Warn().Err(err).Str("url", dirURL).Int("attempt", attempt).
				Msg("webdav listing failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("listing %s after %d attempts: %w", dirURL, listAttempts, lastErr)
}

func (c *Client) propfind(ctx context.Context, dirURL string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", dirURL, strings.NewReader(
		`<?xml version="1.0"?><d:propfind xmlns:d="DAV:"><d:prop><d:displayname/><d:getcontentlength/><d:resourcetype/></d:prop></d:propfind>`))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusMultiStatus, http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, faults.New(faults.Auth, fmt.Errorf("webdav auth rejected for %s", dirURL))
	default:
		return nil, faults.NewHTTPStatus(resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("parsing multistatus: %w", err)
	}

	base, err := url.Parse(dirURL)
	if err != nil {
		return nil, err
	}
	basePath := strings.TrimRight(base.Path, "/")

	var items []Item
	for _, r := range ms.Responses {
		ref, err := url.Parse(strings.TrimSpace(r.Href))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		// Skip the collection's own entry.
		if strings.TrimRight(abs.Path, "/") == basePath {
			continue
		}
		item := Item{Href: abs.String()}
		for _, ps := range r.Propstat {
			if ps.Prop.ResourceType.Collection != nil {
				item.IsDir = true
			}
			if ps.Prop.ContentLength > 0 {
				item.Size = ps.Prop.ContentLength
			}
			if ps.Prop.DisplayName != "" {
				item.Name = ps.Prop.DisplayName
			}
		}
		if item.Name == "" {
			if name, err := url.PathUnescape(path.Base(strings.TrimRight(abs.Path, "/"))); err == nil {
				item.Name = name
			} else {
				item.Name = path.Base(abs.Path)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Walk visits every file under rootURL depth-first, in listing order.
func (c *Client) Walk(ctx context.Context, rootURL string, fn func(item Item) error) error {
	items, err := c.List(ctx, rootURL)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.IsDir {
			if err := c.Walk(ctx, item.Href, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
