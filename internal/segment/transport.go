// Package segment implements the download pipeline: transport requests with
// deadline and circuit breaking, bounded retry with truncated exponential
// backoff, an initialization-segment cache, and sample emission into the
// metrics bus.
package segment

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/quic-go/quic-go/http3"
	"github.com/zsiec/refract/internal/errs"
)

// Connection is one open segment response. ContentLength is -1 when the
// server streams with chunked transfer encoding.
type Connection struct {
	Body          io.ReadCloser
	Status        int
	ContentLength int64
}

// Transport issues a single GET for a segment URL. Implementations must
// honor ctx cancellation and deadlines.
type Transport interface {
	Open(ctx context.Context, url string) (*Connection, error)
}

// HTTPTransport fetches segments over HTTP with a circuit breaker in front
// of the client. After persistent failures the breaker opens and requests
// fail fast as network errors until the probe window.
type HTTPTransport struct {
	log     *slog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewHTTPTransport wraps client with breaker protection. If client is nil,
// http.DefaultClient is used; if log is nil, slog.Default() is used.
func NewHTTPTransport(client *http.Client, log *slog.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transport")

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "segment-transport",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &HTTPTransport{log: log, client: client, breaker: breaker}
}

// NewHTTP3Transport builds an HTTPTransport whose client speaks HTTP/3,
// pairing chunked low-latency delivery with QUIC transport.
func NewHTTP3Transport(tlsConf *tls.Config, log *slog.Logger) *HTTPTransport {
	client := &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsConf},
	}
	return NewHTTPTransport(client, log)
}

// Open issues the GET. 5xx and 429 responses count as breaker failures and
// surface as network errors; other 4xx responses do not count against the
// breaker and surface as http-kind errors.
func (t *HTTPTransport) Open(ctx context.Context, url string) (*Connection, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, errs.NewHTTP(resp.StatusCode, fmt.Errorf("GET %s", url))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.New(errs.KindNetwork, fmt.Errorf("circuit open: %w", err))
		}
		var classified *errs.Error
		if errors.As(err, &classified) {
			return nil, err
		}
		return nil, errs.New(errs.KindNetwork, err)
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, errs.NewHTTP(resp.StatusCode, fmt.Errorf("GET %s", url))
	}

	return &Connection{
		Body:          resp.Body,
		Status:        resp.StatusCode,
		ContentLength: resp.ContentLength,
	}, nil
}
