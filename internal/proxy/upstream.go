package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/hermes/internal/config"
	"github.com/nulpointcorp/hermes/internal/store"
)

// Outcome classifies one upstream attempt. The upstream client never returns
// an error to the dispatcher; every attempt ends in exactly one outcome.
type Outcome int

const (
	// OutcomeSuccess — 2xx; for streams the body is still open.
	OutcomeSuccess Outcome = iota
	// OutcomeModelMissing — the upstream 404'd a model it advertised.
	// Local blacklist + re-sync; not a breaker trip.
	OutcomeModelMissing
	// OutcomeQuota — 429 or a quota-exhausted 4xx. Breaker trip, retryable.
	OutcomeQuota
	// OutcomeTransport — 5xx, timeout, or connection error. Breaker trip,
	// retryable.
	OutcomeTransport
	// OutcomeClientError — any other 4xx. Surfaced verbatim, no trip, no
	// retry.
	OutcomeClientError
	// OutcomeCanceled — the downstream client went away. Updates nothing.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeModelMissing:
		return "model_missing"
	case OutcomeQuota:
		return "quota_exhausted"
	case OutcomeTransport:
		return "transport"
	case OutcomeClientError:
		return "client_error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the dispatcher may move on to the next
// candidate after this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeModelMissing, OutcomeQuota, OutcomeTransport:
		return true
	default:
		return false
	}
}

// BreakerTrip reports whether the outcome is a qualifying failure for the
// circuit breaker.
func (o Outcome) BreakerTrip() bool {
	return o == OutcomeQuota || o == OutcomeTransport
}

var modelMissingMarkers = []string{"model_not_found", "model does not exist"}

// Attempt is the classified result of one upstream request.
type Attempt struct {
	Outcome     Outcome
	StatusCode  int
	ContentType string

	// Body holds the buffered response for non-streaming outcomes.
	Body []byte

	// Stream is the open upstream body of a streaming success. The caller
	// must drain it through CopyStream (or close it).
	Stream io.ReadCloser

	// DurationMs is the end-to-end time for buffered responses and the
	// time-to-headers for streams; CopyStream reports time-to-last-byte.
	DurationMs  int64
	FirstByteMs int64

	cancel context.CancelFunc
}

// Close releases the attempt's resources. Safe on buffered attempts.
func (a *Attempt) Close() {
	if a.Stream != nil {
		a.Stream.Close()
		a.Stream = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// Upstream is the shared HTTP/2-capable client pool for all providers plus
// the outcome classifier.
type Upstream struct {
	client *http.Client
	cfg    config.UpstreamConfig
	quota  []string

	now func() time.Time
}

// NewUpstream builds the pooled client. One instance serves every provider;
// connections are keyed on (scheme, host) by the transport.
func NewUpstream(cfg config.UpstreamConfig) *Upstream {
	transport := &http.Transport{
		ForceAttemptHTTP2: true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}

	quota := make([]string, 0, len(cfg.QuotaSubstrings))
	for _, s := range cfg.QuotaSubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			quota = append(quota, s)
		}
	}

	return &Upstream{
		// No client-level timeout: it would kill open streams. Non-streaming
		// requests are bounded by a per-request context instead.
		client: &http.Client{Transport: transport},
		cfg:    cfg,
		quota:  quota,
		now:    time.Now,
	}
}

// ChatCompletion forwards the request body verbatim to the provider's
// chat-completions endpoint and classifies the result. wantStream keeps the
// response body open when the upstream actually streams.
func (u *Upstream) ChatCompletion(ctx context.Context, p store.Provider, body []byte, wantStream bool) *Attempt {
	reqCtx, cancel := context.WithCancel(ctx)
	if !wantStream {
		reqCtx, cancel = context.WithTimeout(ctx, u.cfg.RequestTimeout)
	}

	start := u.now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		p.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return &Attempt{Outcome: OutcomeTransport, Body: []byte(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := u.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return &Attempt{Outcome: OutcomeCanceled}
		}
		return &Attempt{
			Outcome:    OutcomeTransport,
			Body:       []byte(err.Error()),
			DurationMs: u.now().Sub(start).Milliseconds(),
		}
	}

	firstByteMs := u.now().Sub(start).Milliseconds()
	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if wantStream && isStreamResponse(resp) {
			return &Attempt{
				Outcome:     OutcomeSuccess,
				StatusCode:  resp.StatusCode,
				ContentType: contentType,
				Stream:      resp.Body,
				FirstByteMs: firstByteMs,
				DurationMs:  firstByteMs,
				cancel:      cancel,
			}
		}

		buf, err := readCapped(resp.Body, u.cfg.MaxBodyBytes)
		resp.Body.Close()
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return &Attempt{Outcome: OutcomeCanceled}
			}
			return &Attempt{
				Outcome:    OutcomeTransport,
				Body:       []byte(err.Error()),
				DurationMs: u.now().Sub(start).Milliseconds(),
			}
		}
		return &Attempt{
			Outcome:     OutcomeSuccess,
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Body:        buf,
			FirstByteMs: firstByteMs,
			DurationMs:  u.now().Sub(start).Milliseconds(),
		}
	}

	// Error responses are small; cap the read hard so a misbehaving upstream
	// cannot make us buffer a stream.
	buf, _ := readCapped(resp.Body, 64<<10)
	resp.Body.Close()
	cancel()

	return &Attempt{
		Outcome:     u.classifyStatus(resp.StatusCode, buf),
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        buf,
		DurationMs:  u.now().Sub(start).Milliseconds(),
	}
}

// Probe issues a minimal authenticated request used by the breaker's
// self-heal loop. Any 2xx counts as recovered.
func (u *Upstream) Probe(ctx context.Context, p store.Provider) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.ConnectTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// StreamError reports who broke a stream mid-flight. Downstream breaks mean
// the client went away and teach us nothing about the provider.
type StreamError struct {
	Downstream bool
	Err        error
}

func (e *StreamError) Error() string {
	if e.Downstream {
		return "downstream: " + e.Err.Error()
	}
	return "upstream: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

// CopyStream pipes the open stream to dst, flushing after every chunk so
// SSE deltas reach the client immediately. Backpressure is inherent: the
// next upstream read happens only after the previous chunk was written
// downstream. A read gap longer than the idle timeout aborts the stream.
//
// Returns the total stream duration measured from the attempt start, and a
// *StreamError describing who broke the stream (nil for a clean upstream
// EOF).
func (u *Upstream) CopyStream(dst io.Writer, flush func() error, a *Attempt) (totalMs int64, err *StreamError) {
	defer a.Close()

	start := u.now().Add(-time.Duration(a.FirstByteMs) * time.Millisecond)

	idle := u.cfg.StreamIdleTimeout
	var idleTimer *time.Timer
	if idle > 0 && a.cancel != nil {
		idleTimer = time.AfterFunc(idle, a.cancel)
		defer idleTimer.Stop()
	}

	buf := make([]byte, 32<<10)
	for {
		n, rerr := a.Stream.Read(buf)
		if idleTimer != nil {
			idleTimer.Reset(idle)
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return u.now().Sub(start).Milliseconds(), &StreamError{Downstream: true, Err: werr}
			}
			if flush != nil {
				if ferr := flush(); ferr != nil {
					return u.now().Sub(start).Milliseconds(), &StreamError{Downstream: true, Err: ferr}
				}
			}
		}
		if rerr != nil {
			total := u.now().Sub(start).Milliseconds()
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, &StreamError{Err: rerr}
		}
	}
}

func (u *Upstream) classifyStatus(status int, body []byte) Outcome {
	lower := strings.ToLower(string(body))

	switch {
	case status == http.StatusNotFound && containsAny(lower, modelMissingMarkers):
		return OutcomeModelMissing
	case status == http.StatusTooManyRequests:
		return OutcomeQuota
	case status >= 400 && status < 500 && containsAny(lower, u.quota):
		return OutcomeQuota
	case status >= 500:
		return OutcomeTransport
	default:
		return OutcomeClientError
	}
}

func isStreamResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func readCapped(r io.Reader, cap int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, cap+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > cap {
		return nil, fmt.Errorf("response body exceeds %d bytes", cap)
	}
	return buf, nil
}
