package module

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Resolver turns a service name into a base URL such as
// "http://10.0.0.5:8001".
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// MultiResolver is a Resolver that can return every instance of a service.
// Clients prefer it and balance across the result.
type MultiResolver interface {
	Resolver
	ResolveAll(ctx context.Context, service string) ([]string, error)
}

// DNSResolver looks up _<service>._tcp.<Domain> SRV records. When no SRV
// record exists it falls back to a plain host lookup of <service>.<Domain>
// on DefaultPort.
type DNSResolver struct {
	Domain      string
	Scheme      string
	DefaultPort int
	Resolver    *net.Resolver
}

// Resolve returns the highest priority target.
func (d *DNSResolver) Resolve(ctx context.Context, service string) (string, error) {
	all, err := d.ResolveAll(ctx, service)
	if err != nil {
		return "", err
	}
	return all[0], nil
}

// ResolveAll returns every SRV target in priority order, or every address
// of the fallback host.
func (d *DNSResolver) ResolveAll(ctx context.Context, service string) ([]string, error) {
	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}
	domain := strings.Trim(d.Domain, ".")
	_, addrs, err := r.LookupSRV(ctx, service, "tcp", domain)
	if err == nil && len(addrs) > 0 {
		// net sorts by priority and randomizes by weight
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			host := strings.TrimSuffix(a.Target, ".")
			out = append(out, fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(a.Port)))))
		}
		return out, nil
	}
	if d.DefaultPort == 0 {
		if err == nil {
			err = fmt.Errorf("no SRV records")
		}
		return nil, fmt.Errorf("resolve %s: %w", service, err)
	}
	host := service
	if domain != "" {
		host = service + "." + domain
	}
	ips, herr := r.LookupHost(ctx, host)
	if herr != nil {
		return nil, fmt.Errorf("resolve %s: %w", service, herr)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", service)
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(ip, strconv.Itoa(d.DefaultPort))))
	}
	return out, nil
}

// StaticResolver serves addresses from a mutable table. Set may be called
// while clients are resolving, which lets a backend move without restart.
type StaticResolver struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewStaticResolver(addrs map[string]string) *StaticResolver {
	m := make(map[string]string, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &StaticResolver{addrs: m}
}

func (s *StaticResolver) Set(service, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[service] = addr
}

func (s *StaticResolver) Resolve(_ context.Context, service string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[service]
	if !ok || addr == "" {
		return "", fmt.Errorf("service %q not registered", service)
	}
	return addr, nil
}
