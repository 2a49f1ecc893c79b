package module

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/talkie-voice-lab/internal/logging"
)

// Client is the uniform entry point to one capability backend. Whether the
// backend is local or remote is decided once in New.
type Client struct {
	ep      Endpoint
	breaker *Breaker

	httpClient *http.Client
	resolver   Resolver
	balancer   *Balancer

	calls          atomic.Int64
	retries        atomic.Int64
	failures       atomic.Int64
	rejected       atomic.Int64
	healthFailures atomic.Int64
	discovered     atomic.Bool

	probeCancel context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for remote calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithResolver sets the resolver used when the endpoint enables service
// discovery.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// New validates ep and builds a Client for it.
func New(ep Endpoint, opts ...Option) (*Client, error) {
	if err := ep.validate(); err != nil {
		return nil, err
	}
	c := &Client{ep: ep}
	if ep.Mode == ModeRemote {
		c.breaker = NewBreaker(ep.Breaker.FailureThreshold, ep.Breaker.RecoveryTimeout)
		c.balancer = NewBalancer(ep.Balancing, ep.baseURLs())
		c.httpClient = &http.Client{}
	}
	for _, o := range opts {
		o(c)
	}
	if ep.Mode == ModeRemote && ep.UseServiceDiscovery && c.resolver == nil {
		return nil, fmt.Errorf("endpoint %s: service discovery enabled without a resolver", ep.Name)
	}
	return c, nil
}

// Name returns the endpoint name.
func (c *Client) Name() string { return c.ep.Name }

// Mode returns the endpoint mode.
func (c *Client) Mode() Mode { return c.ep.Mode }

// Circuit returns the breaker state. Local endpoints always report closed.
func (c *Client) Circuit() CircuitState {
	if c.breaker == nil {
		return CircuitState{State: StateClosed}
	}
	return c.breaker.Snapshot()
}

// Stats are counters for operational visibility.
type Stats struct {
	Calls          int64
	Retries        int64
	Failures       int64
	Rejected       int64
	HealthFailures int64
	Circuit        CircuitState
	Instances      []Instance
}

func (c *Client) Stats() Stats {
	var instances []Instance
	if c.balancer != nil {
		instances = c.balancer.Snapshot()
	}
	return Stats{
		Instances:      instances,
		Calls:          c.calls.Load(),
		Retries:        c.retries.Load(),
		Failures:       c.failures.Load(),
		Rejected:       c.rejected.Load(),
		HealthFailures: c.healthFailures.Load(),
		Circuit:        c.Circuit(),
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request id that Invoke forwards as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Invoke performs op with req and decodes the result into out, which must be
// a pointer or nil. Every failure is an *Error.
func (c *Client) Invoke(ctx context.Context, op Op, req any, out any) error {
	c.calls.Add(1)
	if RequestID(ctx) == "" {
		ctx = WithRequestID(ctx, uuid.NewString())
	}
	if c.ep.Mode == ModeLocal {
		return c.invokeLocal(ctx, op, req, out)
	}
	return c.invokeRemote(ctx, op, req, out)
}

func (c *Client) invokeLocal(ctx context.Context, op Op, req any, out any) (err error) {
	h, ok := c.ep.Handlers[op]
	if !ok {
		if op == OpHealth {
			return assign(out, HealthResponse{Status: "ok", Ready: true, Module: c.ep.Name})
		}
		return &Error{Kind: KindServiceUnavailable, Endpoint: c.ep.Name, Op: op, Message: "operation not supported"}
	}
	if c.ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ep.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindLocalFault, Endpoint: c.ep.Name, Op: op, Message: fmt.Sprint(r)}
			logging.ErrorwCtx(ctx, "local capability panicked", append(logging.EndpointFields(c.ep.Name, string(op)), "panic", r)...)
		}
	}()
	res, herr := h(ctx, req)
	if herr != nil {
		return c.classifyLocal(ctx, op, herr)
	}
	if aerr := assign(out, res); aerr != nil {
		return &Error{Kind: KindInvalidResponse, Endpoint: c.ep.Name, Op: op, Message: aerr.Error(), Err: aerr}
	}
	return nil
}

func (c *Client) classifyLocal(ctx context.Context, op Op, err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		cp := *me
		cp.Endpoint, cp.Op = c.ep.Name, op
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Endpoint: c.ep.Name, Op: op, Err: err}
	}
	logging.DebugwCtx(ctx, "local capability failed", append(logging.EndpointFields(c.ep.Name, string(op)), "err", err)...)
	return &Error{Kind: KindLocalFault, Endpoint: c.ep.Name, Op: op, Err: err}
}

// assign copies a handler result into out, directly when the types line up
// and through JSON otherwise.
func assign(out any, res any) error {
	if out == nil || res == nil {
		return nil
	}
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("output must be a non-nil pointer, got %T", out)
	}
	src := reflect.ValueOf(res)
	elem := dst.Elem()
	if src.Type().AssignableTo(elem.Type()) {
		elem.Set(src)
		return nil
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() && src.Elem().Type().AssignableTo(elem.Type()) {
		elem.Set(src.Elem())
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Close stops the health probe, if running.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.probeCancel != nil {
			c.probeCancel()
		}
		c.wg.Wait()
	})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
