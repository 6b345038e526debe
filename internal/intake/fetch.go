package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/vbonduro/prodlens/internal/apperrors"
	"github.com/vbonduro/prodlens/internal/metrics"
)

const maxRedirects = 3

// Fetcher downloads remote images with a bounded deadline. It performs a
// single attempt; the user resubmits on failure.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		MaxIdleConns:           10,
		MaxIdleConnsPerHost:    2,
		IdleConnTimeout:        30 * time.Second,
		TLSHandshakeTimeout:    timeout,
		ResponseHeaderTimeout:  timeout,
		ExpectContinueTimeout:  1 * time.Second,
		MaxResponseHeaderBytes: 16 << 10,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (limit: %d)", maxRedirects)
				}
				return nil
			},
		},
		timeout:  timeout,
		maxBytes: maxBytes,
	}
}

// Fetch GETs rawURL and returns the body. Every failure is a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := validateImageURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.NewFetchError("The image URL is not valid", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png;q=0.9, */*;q=0.1")
	req.Header.Set("User-Agent", "prodlens/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close image response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ImageFetchTotal.WithLabelValues("bad_status").Inc()
		return nil, apperrors.NewFetchError(
			fmt.Sprintf("The image URL returned HTTP %d", resp.StatusCode),
			fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, f.transportError(err)
	}
	if int64(len(data)) > f.maxBytes {
		metrics.ImageFetchTotal.WithLabelValues("too_large").Inc()
		return nil, apperrors.NewFetchError(
			fmt.Sprintf("The image at that URL is larger than the %d MB limit", f.maxBytes>>20),
			fmt.Errorf("body exceeds %d bytes", f.maxBytes))
	}

	metrics.ImageFetchTotal.WithLabelValues("ok").Inc()
	return data, nil
}

func (f *Fetcher) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.ImageFetchTotal.WithLabelValues("timeout").Inc()
		return apperrors.NewFetchTimeoutError(
			fmt.Sprintf("Fetching the image timed out after %s", f.timeout), err)
	}
	metrics.ImageFetchTotal.WithLabelValues("error").Inc()
	return apperrors.NewFetchError("The image URL could not be reached", err)
}

func validateImageURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.NewFetchError("The image URL is not valid", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.NewFetchError("The image URL must start with http:// or https://", nil)
	}
	if u.Host == "" {
		return apperrors.NewFetchError("The image URL must include a host", nil)
	}
	return nil
}
