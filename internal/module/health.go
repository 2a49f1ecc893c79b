package module

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/talkie-voice-lab/internal/logging"
)

// CheckHealth probes every instance outside the breaker and records each
// one's health for balancing. When no instance is ready the circuit opens
// before a real request has to discover it.
func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.ep.Mode == ModeLocal {
		h, err := c.Health(ctx)
		return err == nil && h.Ready
	}
	ctx = WithRequestID(ctx, uuid.NewString())
	if c.ep.UseServiceDiscovery {
		if err := c.discover(ctx, OpHealth); err != nil {
			logging.DebugwCtx(ctx, "health probe could not resolve", append(logging.EndpointFields(c.ep.Name, string(OpHealth)), "err", err.Error())...)
		}
	}
	ready := false
	for _, base := range c.balancer.URLs() {
		ok := c.probe(ctx, base)
		if c.balancer.Mark(base, ok) {
			logging.Infow("instance health changed", append(logging.EndpointFields(c.ep.Name, ""), "instance", base, "healthy", ok)...)
		}
		ready = ready || ok
	}
	if !ready {
		c.healthFailures.Add(1)
		if c.breaker.ForceOpen() {
			st := c.breaker.Snapshot()
			logging.Warnw("health probe opened circuit", append(logging.EndpointFields(c.ep.Name, ""), "open_until", st.OpenUntil)...)
		}
	}
	return ready
}

func (c *Client) probe(ctx context.Context, base string) bool {
	var out HealthResponse
	if err := c.roundTrip(ctx, base, OpHealth, nil, &out); err != nil {
		logging.DebugwCtx(ctx, "health probe failed", append(logging.EndpointFields(c.ep.Name, string(OpHealth)), "instance", base, "err", err.Error())...)
		return false
	}
	return out.Ready
}

// StartHealthProbe runs CheckHealth every HealthCheckInterval until ctx is
// done or Close is called. It is a no-op for local endpoints and when the
// interval is zero.
func (c *Client) StartHealthProbe(ctx context.Context) {
	if c.ep.Mode != ModeRemote || c.ep.HealthCheckInterval <= 0 || c.probeCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	c.probeCancel = cancel
	interval := c.ep.HealthCheckInterval
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				timeout := c.ep.Timeout
				if timeout <= 0 || timeout > interval {
					timeout = interval
				}
				cctx, ccancel := context.WithTimeout(pctx, timeout)
				c.CheckHealth(cctx)
				ccancel()
			}
		}
	}()
}
