package module

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/talkie-voice-lab/internal/logging"
)

const (
	// APIVersion is sent as X-API-Version on every remote request.
	APIVersion = "1.0"

	maxResponseBytes = 8 << 20
)

// Envelope is the error body returned by remote backends.
type Envelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (c *Client) invokeRemote(ctx context.Context, op Op, req any, out any) error {
	fields := logging.EndpointFields(c.ep.Name, string(op))
	if err := c.breaker.Allow(); err != nil {
		c.rejected.Add(1)
		logging.DebugwCtx(ctx, "circuit rejected call", append(fields, "reason", err.Error())...)
		return &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: err.Error(), Err: err}
	}

	attempts := c.ep.Retry.Max + 1
	if attempts < 1 {
		attempts = 1
	}
	var last *Error
	refresh := false
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			logging.DebugwCtx(ctx, "retrying remote call", append(fields, "attempt", attempt+1, "err", last.Error())...)
			if err := sleepCtx(ctx, c.ep.Retry.backoff(attempt)); err != nil {
				c.breaker.Release()
				return &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: "cancelled", Err: err}
			}
		}
		base, rerr := c.target(ctx, op, refresh)
		if rerr != nil {
			last = rerr
			refresh = true
			continue
		}
		done := c.balancer.Acquire(base)
		last = c.roundTrip(ctx, base, op, req, out)
		done()
		c.observe(ctx, base, last)
		if last == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			c.breaker.Release()
			return last
		}
		if !last.Transient {
			break
		}
		refresh = last.Status == 0
	}

	before := c.breaker.Snapshot().State
	c.breaker.RecordFailure()
	c.failures.Add(1)
	after := c.breaker.Snapshot()
	if before != after.State {
		logging.WarnwCtx(ctx, "circuit state changed", append(fields, "from", before.String(), "to", after.State.String(), "open_until", after.OpenUntil)...)
	}
	return last
}

// target picks the instance for the next attempt. With discovery it
// resolves first when refresh is set or nothing has been resolved yet;
// configured base URLs only serve while discovery has never succeeded.
func (c *Client) target(ctx context.Context, op Op, refresh bool) (string, *Error) {
	if c.ep.UseServiceDiscovery && (refresh || !c.discovered.Load()) {
		if err := c.discover(ctx, op); err != nil {
			return "", err
		}
	}
	base, err := c.balancer.Pick()
	if err != nil {
		return "", &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: err.Error(), Transient: true, Err: err}
	}
	return base, nil
}

// discover refreshes the instance set from the resolver. A failed lookup
// keeps the instances already known.
func (c *Client) discover(ctx context.Context, op Op) *Error {
	var (
		addrs []string
		err   error
	)
	if mr, ok := c.resolver.(MultiResolver); ok {
		addrs, err = mr.ResolveAll(ctx, c.ep.serviceName())
	} else {
		var addr string
		addr, err = c.resolver.Resolve(ctx, c.ep.serviceName())
		addrs = []string{addr}
	}
	if err == nil && len(addrs) == 0 {
		err = errors.New("no addresses")
	}
	if err != nil {
		if c.balancer.Len() > 0 {
			logging.WarnwCtx(ctx, "service discovery failed, keeping last instances", append(logging.EndpointFields(c.ep.Name, string(op)), "instances", c.balancer.URLs(), "err", err)...)
			return nil
		}
		return &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: "discovery: " + err.Error(), Transient: true, Err: err}
	}
	before := c.balancer.URLs()
	c.balancer.Update(addrs)
	c.discovered.Store(true)
	if after := c.balancer.URLs(); !slices.Equal(before, after) {
		logging.InfowCtx(ctx, "resolved endpoint instances", append(logging.EndpointFields(c.ep.Name, ""), "instances", after)...)
	}
	return nil
}

// observe feeds a call outcome into instance health. Only failures that say
// the instance itself is gone mark it down.
func (c *Client) observe(ctx context.Context, base string, err *Error) {
	healthy := true
	if err != nil {
		if !err.Transient || (err.Status != 0 && err.Status != http.StatusServiceUnavailable) {
			return
		}
		healthy = false
	}
	if c.balancer.Mark(base, healthy) {
		logging.InfowCtx(ctx, "instance health changed", append(logging.EndpointFields(c.ep.Name, ""), "instance", base, "healthy", healthy)...)
	}
}

func (c *Client) roundTrip(ctx context.Context, base string, op Op, req any, out any) *Error {
	method, path := op.route()
	var body io.Reader
	if method == http.MethodPost {
		payload := req
		if payload == nil {
			payload = struct{}{}
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return &Error{Kind: KindLocalFault, Endpoint: c.ep.Name, Op: op, Message: "encode request", Err: err}
		}
		body = bytes.NewReader(b)
	}

	actx := ctx
	if c.ep.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.ep.Timeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(actx, method, strings.TrimRight(base, "/")+path, body)
	if err != nil {
		return &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: "build request", Err: err}
	}
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("X-API-Version", APIVersion)
	hreq.Header.Set("X-Request-ID", RequestID(ctx))
	if c.ep.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.ep.APIKey)
		hreq.Header.Set("X-API-Key", c.ep.APIKey)
	}

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.transportError(op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return &Error{Kind: KindInvalidResponse, Endpoint: c.ep.Name, Op: op, Status: resp.StatusCode, Message: "empty body"}
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindInvalidResponse, Endpoint: c.ep.Name, Op: op, Status: resp.StatusCode, Message: "decode response", Err: err}
		}
		return nil
	}
	return c.statusError(op, resp.StatusCode, data)
}

func (c *Client) transportError(op Op, err error) *Error {
	e := &Error{Endpoint: c.ep.Name, Op: op, Transient: true, Err: err, Kind: KindServiceUnavailable}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e.Kind = KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		e.Transient = false
	}
	return e
}

func (c *Client) statusError(op Op, status int, body []byte) *Error {
	e := &Error{Endpoint: c.ep.Name, Op: op, Status: status}
	var env Envelope
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		e.Message = env.Message
		if e.Message == "" {
			e.Message = env.Error
		}
		e.Details = env.Details
	} else if len(body) > 0 && len(body) < 512 {
		e.Message = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthenticationFailed
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		e.Kind = KindServiceUnavailable
		e.Transient = true
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
		e.Transient = true
	case status >= 500:
		e.Kind = KindServiceUnavailable
	default:
		e.Kind = KindInvalidResponse
	}
	if env.Error == KindTimeout.Code() {
		e.Kind = KindTimeout
	}
	return e
}
