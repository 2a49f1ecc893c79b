package module

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Strategy picks among the instances of a multi-instance endpoint.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyRandom           Strategy = "random"
	StrategyHealthBased      Strategy = "health_based"
	StrategyLeastConnections Strategy = "least_connections"
)

func (s Strategy) valid() bool {
	switch s {
	case "", StrategyRoundRobin, StrategyRandom, StrategyHealthBased, StrategyLeastConnections:
		return true
	}
	return false
}

// Instance is a point-in-time view of one backend instance.
type Instance struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Active  int    `json:"active"`
}

// Balancer tracks the instances of one endpoint with their health and
// in-flight request counts. Instances start healthy.
type Balancer struct {
	strategy Strategy

	mu        sync.Mutex
	instances []*Instance
	cursor    int
}

func NewBalancer(strategy Strategy, urls []string) *Balancer {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	b := &Balancer{strategy: strategy}
	b.Update(urls)
	return b
}

func normalizeURL(u string) string { return strings.TrimRight(strings.TrimSpace(u), "/") }

// Update replaces the instance set. Instances already known keep their
// health and counters.
func (b *Balancer) Update(urls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	known := make(map[string]*Instance, len(b.instances))
	for _, in := range b.instances {
		known[in.URL] = in
	}
	next := make([]*Instance, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		u = normalizeURL(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		if in, ok := known[u]; ok {
			next = append(next, in)
			continue
		}
		next = append(next, &Instance{URL: u, Healthy: true})
	}
	b.instances = next
}

// Len reports how many instances are known.
func (b *Balancer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// URLs returns the instance URLs in configured order.
func (b *Balancer) URLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.instances))
	for i, in := range b.instances {
		out[i] = in.URL
	}
	return out
}

// Snapshot copies the instance table.
func (b *Balancer) Snapshot() []Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Instance, len(b.instances))
	for i, in := range b.instances {
		out[i] = *in
	}
	return out
}

// Pick selects an instance. health_based skips unhealthy instances and
// falls back to all of them when none is healthy.
func (b *Balancer) Pick() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.instances) == 0 {
		return "", fmt.Errorf("no instances available")
	}
	pool := b.instances
	if b.strategy == StrategyHealthBased {
		healthy := make([]*Instance, 0, len(pool))
		for _, in := range pool {
			if in.Healthy {
				healthy = append(healthy, in)
			}
		}
		if len(healthy) > 0 {
			pool = healthy
		}
	}
	switch b.strategy {
	case StrategyRandom:
		return pool[rand.IntN(len(pool))].URL, nil
	case StrategyLeastConnections:
		// ties rotate with the cursor
		best := -1
		for i := range pool {
			in := pool[(b.cursor+i)%len(pool)]
			if best < 0 || in.Active < pool[best].Active {
				best = (b.cursor + i) % len(pool)
			}
		}
		b.cursor = (best + 1) % len(pool)
		return pool[best].URL, nil
	default:
		in := pool[b.cursor%len(pool)]
		b.cursor = (b.cursor + 1) % len(pool)
		return in.URL, nil
	}
}

func (b *Balancer) find(url string) *Instance {
	for _, in := range b.instances {
		if in.URL == url {
			return in
		}
	}
	return nil
}

// Acquire counts a request in flight on url; the returned func ends it.
func (b *Balancer) Acquire(url string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in := b.find(url); in != nil {
		in.Active++
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if in := b.find(url); in != nil && in.Active > 0 {
			in.Active--
		}
	}
}

// Mark records the health of url and reports whether it changed.
func (b *Balancer) Mark(url string, healthy bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := b.find(normalizeURL(url))
	if in == nil || in.Healthy == healthy {
		return false
	}
	in.Healthy = healthy
	return true
}
