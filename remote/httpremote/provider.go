// Package httpremote implements [assetcache.RemoteProvider] for HTTP servers that
// return ETag or Last-Modified headers, for example `rclone serve http`.
package httpremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

type Error struct {
	StatusCode int
	BodyPrefix string
}

func (err *Error) Error() string {
	return fmt.Sprintf("unexpected remote response: status code: %d, body prefix: %q", err.StatusCode, err.BodyPrefix)
}

func IsNotFoundError(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

// Provider downloads assets relative to the base url.
type Provider struct {
	httpClient *http.Client
	baseURL    *url.URL
}

var _ assetcache.RemoteProvider = (*Provider)(nil)

func NewProvider(rawBaseURL string) (*Provider, error) {
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", baseURL.Scheme)
	}

	return &Provider{
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		baseURL: baseURL,
	}, nil
}

func (p *Provider) Download(ctx context.Context, path string) (data []byte, revision string, err error) {
	body, header, err := p.makeRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	data, err = io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't read response body: %w", err)
	}
	return data, getRevision(header), nil
}

func (p *Provider) CurrentRevision(ctx context.Context, path string) (string, error) {
	body, header, err := p.makeRequest(ctx, http.MethodHead, path)
	if err != nil {
		return "", err
	}
	body.Close()

	revision := getRevision(header)
	if revision == "" {
		rlog.Debugf("remote returned no revision for %q", path)
	}
	return revision, nil
}

// getRevision returns ETag or Last-Modified if ETag is not set.
func getRevision(header http.Header) string {
	if etag := header.Get("ETag"); etag != "" {
		return etag
	}
	return header.Get("Last-Modified")
}

func (p *Provider) makeRequest(ctx context.Context, method string, path string) (io.ReadCloser, http.Header, error) {
	remoteURL := p.baseURL.JoinPath(assetcache.NormalizePath(path))

	req, err := http.NewRequestWithContext(ctx, method, remoteURL.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't prepare request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		bodyPrefix := make([]byte, 50)
		n, _ := resp.Body.Read(bodyPrefix)
		bodyPrefix = bodyPrefix[:n]

		err := &Error{
			StatusCode: resp.StatusCode,
			BodyPrefix: string(bodyPrefix),
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil, fmt.Errorf("%w: %w", assetcache.ErrNotFound, err)
		}
		return nil, nil, err
	}

	return resp.Body, resp.Header, nil
}
