// Package resolve fetches or proxies the underlying resource once payment
// has been accepted.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tachiprotocol/gateway/logger"
	"github.com/tachiprotocol/gateway/metrics"
	"github.com/tachiprotocol/gateway/policy"
	"github.com/tachiprotocol/gateway/types"
)

// ErrUpstreamUnavailable marks a content-delivery failure. It is not a
// payment failure: the redemption backing the request stays marked, and a
// retry with the same reference is served as already-redeemed.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// paymentHeaders are stripped before a request is forwarded upstream.
var paymentHeaders = []string{
	"Authorization",
	"X-Payment-Reference",
	"X-Payment-Amount",
	"X-Payment-Payer",
	"X-Payment-Asset",
}

// Result is a fully buffered resolved response, shareable between
// concurrent requests redeeming the same reference.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Resolver serves resource bytes from a local content root or proxies an
// upstream origin, per policy. Concurrent resolutions for the same payment
// reference are collapsed into a single upstream fetch.
type Resolver struct {
	client  *http.Client
	root    string
	group   singleflight.Group
	log     logger.Logger
	metrics metrics.Recorder
}

// NewResolver creates a resolver. root is the directory local-mode
// policies resolve their paths against; timeout bounds upstream fetches.
func NewResolver(root string, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Resolver{
		client:  &http.Client{Timeout: timeout},
		root:    root,
		log:     log,
		metrics: rec,
	}
}

// Resolve fetches the resource for a granted payment. reference keys the
// single-flight group so N concurrent grants for one reference cost one
// upstream fetch.
func (r *Resolver) Resolve(ctx context.Context, pol *policy.Policy, reference string, inbound *http.Request) (*Result, error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveLatency(metrics.OpResolve, time.Since(start), map[string]string{"resource": pol.ResourceID})
	}()

	switch pol.Mode {
	case policy.ModeLocal:
		return r.resolveLocal(pol)
	case policy.ModeProxy:
		v, err, _ := r.group.Do(reference, func() (interface{}, error) {
			return r.resolveProxy(ctx, pol, inbound)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	default:
		return nil, &types.GatewayError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("unknown resolution mode %q for %s", pol.Mode, pol.ResourceID),
		}
	}
}

func (r *Resolver) resolveLocal(pol *policy.Policy) (*Result, error) {
	path := pol.LocalPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	// Keep local resolution inside the content root. A prefix comparison is
	// not enough: root "/data" must not admit "/database".
	if r.root != "" {
		rel, err := filepath.Rel(r.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, &types.GatewayError{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("local path for %s escapes content root", pol.ResourceID),
			}
		}
	}

	body, err := os.ReadFile(path)
	if err != nil {
		r.log.Error("local content read failed", map[string]any{
			"resource": pol.ResourceID,
			"path":     path,
			"err":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	ct := pol.MimeType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(path))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	header := make(http.Header)
	header.Set("Content-Type", ct)
	return &Result{StatusCode: http.StatusOK, Header: header, Body: body}, nil
}

func (r *Resolver) resolveProxy(ctx context.Context, pol *policy.Policy, inbound *http.Request) (*Result, error) {
	method := http.MethodGet
	var body io.Reader
	if inbound != nil {
		method = inbound.Method
		body = inbound.Body
	}

	req, err := http.NewRequestWithContext(ctx, method, pol.Upstream, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if inbound != nil {
		req.Header = inbound.Header.Clone()
		for _, h := range paymentHeaders {
			req.Header.Del(h)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.IncCounter(metrics.EventUpstreamError, map[string]string{"resource": pol.ResourceID})
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.metrics.IncCounter(metrics.EventUpstreamError, map[string]string{"resource": pol.ResourceID})
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		r.metrics.IncCounter(metrics.EventUpstreamError, map[string]string{"resource": pol.ResourceID})
		return nil, fmt.Errorf("%w: reading upstream body: %v", ErrUpstreamUnavailable, err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       buf,
	}, nil
}
