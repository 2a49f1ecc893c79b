package module

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Mode selects how an endpoint is satisfied.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Op names one capability operation.
type Op string

const (
	OpHealth       Op = "health"
	OpTranscribe   Op = "transcribe"
	OpSpeak        Op = "speak"
	OpStop         Op = "stop"
	OpAccept       Op = "accept"
	OpGenerate     Op = "generate"
	OpRetrieve     Op = "retrieve"
	OpHasDocuments Op = "has_documents"
	OpExecute      Op = "execute"
)

// route returns the HTTP method and path for op on a remote backend.
func (o Op) route() (string, string) {
	switch o {
	case OpHealth, OpHasDocuments:
		return http.MethodGet, "/" + string(o)
	default:
		return http.MethodPost, "/" + string(o)
	}
}

// HandlerFunc is an in-process capability implementation. req is either the
// typed request value or a json.RawMessage when called from Server.
type HandlerFunc func(ctx context.Context, req any) (any, error)

// Handlers maps operations to local implementations.
type Handlers map[Op]HandlerFunc

// Typed adapts a strongly typed function to a HandlerFunc.
func Typed[Req, Resp any](fn func(context.Context, Req) (Resp, error)) HandlerFunc {
	return func(ctx context.Context, req any) (any, error) {
		var in Req
		switch v := req.(type) {
		case nil:
		case Req:
			in = v
		case *Req:
			if v != nil {
				in = *v
			}
		case json.RawMessage:
			if len(v) > 0 {
				if err := json.Unmarshal(v, &in); err != nil {
					return nil, &Error{Kind: KindBadRequest, Message: err.Error(), Err: err}
				}
			}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, &Error{Kind: KindBadRequest, Message: err.Error(), Err: err}
			}
			if err := json.Unmarshal(b, &in); err != nil {
				return nil, &Error{Kind: KindBadRequest, Message: err.Error(), Err: err}
			}
		}
		return fn(ctx, in)
	}
}

// RetryPolicy controls retries of transient remote failures. Delay doubles
// after each attempt up to MaxDelay.
type RetryPolicy struct {
	Max      int
	Delay    time.Duration
	MaxDelay time.Duration
}

func (r RetryPolicy) backoff(attempt int) time.Duration {
	d := r.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Endpoint describes one capability backend. It is immutable once passed to
// New; a reload builds a new Client.
type Endpoint struct {
	Name string
	Mode Mode

	// Local
	Handlers Handlers

	// Remote. BaseURL and BaseURLs together list the instances; Balancing
	// picks among them.
	BaseURL             string
	BaseURLs            []string
	Balancing           Strategy
	APIKey              string
	Timeout             time.Duration
	Retry               RetryPolicy
	Breaker             BreakerConfig
	HealthCheckInterval time.Duration
	UseServiceDiscovery bool
	// ServiceName is the discovery name; Name is used when empty.
	ServiceName string
}

// DefaultEndpoint returns a remote endpoint with the stock resilience
// settings.
func DefaultEndpoint(name, baseURL string) Endpoint {
	return Endpoint{
		Name:                name,
		Mode:                ModeRemote,
		BaseURL:             baseURL,
		Timeout:             30 * time.Second,
		Retry:               RetryPolicy{Max: 3, Delay: time.Second, MaxDelay: 10 * time.Second},
		Breaker:             BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		HealthCheckInterval: 30 * time.Second,
	}
}

func (e Endpoint) validate() error {
	switch e.Mode {
	case ModeLocal:
		if e.Handlers == nil {
			return fmt.Errorf("endpoint %s: local mode requires handlers", e.Name)
		}
	case ModeRemote:
		if len(e.baseURLs()) == 0 && !e.UseServiceDiscovery {
			return fmt.Errorf("endpoint %s: remote mode requires a base url or service discovery", e.Name)
		}
		if !e.Balancing.valid() {
			return fmt.Errorf("endpoint %s: unknown load balancing strategy %q", e.Name, e.Balancing)
		}
	default:
		return fmt.Errorf("endpoint %s: unknown mode %q", e.Name, e.Mode)
	}
	return nil
}

func (e Endpoint) baseURLs() []string {
	var out []string
	for _, u := range append([]string{e.BaseURL}, e.BaseURLs...) {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}

func (e Endpoint) serviceName() string {
	if e.ServiceName != "" {
		return e.ServiceName
	}
	return e.Name
}
