package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
)

// DefaultMaxRedirects caps how many redirect hops a single fetch follows.
const DefaultMaxRedirects = 5

// errBodyTooLarge is internal to readBounded; callers see KindPayloadTooLarge.
var errBodyTooLarge = errors.New("body exceeds limit")

// FetchMetrics is implemented by the metrics package.
type FetchMetrics interface {
	FetchStarted()
	FetchFinished(outcome string, bytes int, seconds float64)
}

// Fetcher downloads remote resources within a fixed byte and time budget.
// It keeps no per-call state, so one Fetcher serves any number of concurrent
// fetches. Identical concurrent fetches are not collapsed.
type Fetcher struct {
	cfg           Config
	client        *http.Client
	transport     http.RoundTripper
	redirectCheck func(*url.URL) error
	maxRedirects  int
	metrics       FetchMetrics
}

type Option func(*Fetcher)

// WithTransport replaces the default transport. It is still wrapped for tracing.
// Fetchers that share a transport share its connection pool.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// WithRedirectCheck vets every redirect target before it is followed.
// Pass the allow-list check here so a trusted host cannot bounce a fetch elsewhere.
func WithRedirectCheck(fn func(*url.URL) error) Option {
	return func(f *Fetcher) { f.redirectCheck = fn }
}

// WithMaxRedirects sets the redirect hop limit; 0 disables redirects entirely.
func WithMaxRedirects(n int) Option {
	return func(f *Fetcher) { f.maxRedirects = n }
}

func WithMetrics(m FetchMetrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// NewFetcher validates cfg and builds a Fetcher around it.
func NewFetcher(cfg Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid fetch config")
	}
	f := &Fetcher{
		cfg:          cfg,
		maxRedirects: DefaultMaxRedirects,
	}
	for _, o := range opts {
		o(f)
	}
	if f.transport == nil {
		f.transport = NewTransport(cfg.Timeout)
	}
	f.client = &http.Client{
		Transport:     otelhttp.NewTransport(f.transport),
		CheckRedirect: f.checkRedirect,
	}
	return f, nil
}

// NewTransport clones the default transport. A positive timeout also bounds
// response headers and the TLS handshake; zero keeps the defaults and leaves
// the per-fetch deadline as the only bound.
func NewTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if timeout <= 0 {
		return t
	}
	t.ResponseHeaderTimeout = timeout
	if timeout < t.TLSHandshakeTimeout {
		t.TLSHandshakeTimeout = timeout
	}
	return t
}

// Config returns the limits this Fetcher enforces.
func (f *Fetcher) Config() Config { return f.cfg }

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > f.maxRedirects {
		return newError(KindTransport, req.URL.String(), xerrors.Newf("stopped after %d redirects", f.maxRedirects))
	}
	if f.redirectCheck != nil {
		if err := f.redirectCheck(req.URL); err != nil {
			return err
		}
	}
	return nil
}

// FetchString parses raw as an absolute URI and fetches it.
func (f *Fetcher) FetchString(ctx context.Context, raw string) ([]byte, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return nil, newError(KindMalformedURL, raw, err)
	}
	return f.Fetch(ctx, u)
}

// Fetch downloads u and returns the complete body. The configured timeout
// bounds the whole call and the body is cut off as soon as it passes
// MaxBytes. On any error no bytes are returned and the connection has
// already been released.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (data []byte, err error) {
	if u == nil || u.Hostname() == "" {
		return nil, newError(KindMalformedURL, urlString(u), xerrors.New("missing host"))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, newError(KindMalformedURL, u.String(), xerrors.Newf("unsupported scheme %q", u.Scheme))
	}
	raw := u.String()

	ctx, span := otel.Tracer("linnemanlabs/remote").Start(ctx, "remote.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", u.Hostname()),
			attribute.Int64("remote.max_bytes", f.cfg.MaxBytes),
		),
	)
	start := time.Now()
	if f.metrics != nil {
		f.metrics.FetchStarted()
	}
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.Int("http.response.body.size", len(data)))
		span.End()
		if f.metrics != nil {
			f.metrics.FetchFinished(outcome, len(data), time.Since(start).Seconds())
		}
		log.FromContext(ctx).Debug(ctx, "remote fetch finished",
			"outcome", outcome,
			"bytes", len(data),
			"duration", time.Since(start).Seconds(),
		)
	}()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, http.NoBody)
	if err != nil {
		return nil, newError(KindMalformedURL, raw, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, raw, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusNoContent:
		return nil, &Error{Kind: KindNotFound, URL: raw, Status: code}
	case code < 200 || code > 299:
		return nil, &Error{Kind: KindTransport, URL: raw, Status: code}
	}

	// a declared length over the ceiling fails before any body is read
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, &Error{Kind: KindPayloadTooLarge, URL: raw, Status: resp.StatusCode, Limit: f.cfg.MaxBytes}
	}

	body, err := readBounded(resp.Body, f.cfg.MaxBytes, resp.ContentLength)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, &Error{Kind: KindPayloadTooLarge, URL: raw, Status: resp.StatusCode, Limit: f.cfg.MaxBytes}
		}
		return nil, classify(ctx, raw, err)
	}
	if len(body) == 0 {
		return nil, &Error{Kind: KindNotFound, URL: raw, Status: resp.StatusCode, Err: xerrors.New("empty body")}
	}
	return body, nil
}

// readBounded reads r until EOF but never consumes more than limit+1 bytes from
// it, so an oversized body is detected without buffering the excess.
func readBounded(r io.Reader, limit, sizeHint int64) ([]byte, error) {
	var buf bytes.Buffer
	if sizeHint > 0 && sizeHint <= limit {
		buf.Grow(int(sizeHint) + 1)
	}
	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}

// classify maps a client or body-read failure onto the error taxonomy.
func classify(ctx context.Context, raw string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, raw, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindTimeout, raw, err)
	}
	return newError(KindTransport, raw, err)
}
