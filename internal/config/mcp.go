package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MCPManifest is the on-disk list of MCP servers, shared in format with
// other MCP hosts.
type MCPManifest struct {
	Servers map[string]MCPServer `json:"mcpServers"`
}

// MCPServer is reached either over a websocket transport or by spawning
// Command with Args over stdio.
type MCPServer struct {
	Transport *MCPTransport     `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type MCPTransport struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

func (s MCPServer) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// MCPServers is the merged view of every manifest found.
type MCPServers struct {
	Servers map[string]MCPServer
	Names   []string
	Sources []string
}

// Lookup returns the named enabled server. An empty name picks the only
// enabled server when there is exactly one.
func (m MCPServers) Lookup(name string) (MCPServer, string, error) {
	if name != "" {
		s, ok := m.Servers[name]
		if !ok {
			return MCPServer{}, "", fmt.Errorf("mcp server %q not configured", name)
		}
		if !s.IsEnabled() {
			return MCPServer{}, "", fmt.Errorf("mcp server %q is disabled", name)
		}
		return s, name, nil
	}
	var found []string
	for _, n := range m.Names {
		if m.Servers[n].IsEnabled() {
			found = append(found, n)
		}
	}
	if len(found) != 1 {
		return MCPServer{}, "", fmt.Errorf("mcp server name required: %d enabled servers", len(found))
	}
	return m.Servers[found[0]], found[0], nil
}

// LoadMCPServers merges <workdir>/.talkie/mcp.json with the user manifest
// under $XDG_CONFIG_HOME/talkie/mcp.json; the user file wins per server.
// MCP_CONFIG_PATH replaces both.
func LoadMCPServers(workdir string) (MCPServers, error) {
	out := MCPServers{Servers: make(map[string]MCPServer)}

	if override := os.Getenv("MCP_CONFIG_PATH"); override != "" {
		if err := out.merge(expandHome(override), true); err != nil {
			return out, err
		}
		out.sortNames()
		return out, nil
	}

	paths := []string{filepath.Join(workdir, ".talkie", "mcp.json")}
	if p, err := userMCPPath(); err == nil {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := out.merge(p, false); err != nil {
			return out, err
		}
	}
	out.sortNames()
	return out, nil
}

func (m *MCPServers) merge(path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return err
	}
	var manifest MCPManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for name, s := range manifest.Servers {
		m.Servers[name] = s.expanded()
	}
	m.Sources = append(m.Sources, path)
	return nil
}

func (m *MCPServers) sortNames() {
	m.Names = m.Names[:0]
	for name := range m.Servers {
		m.Names = append(m.Names, name)
	}
	sort.Strings(m.Names)
}

func (s MCPServer) expanded() MCPServer {
	s.Command = expandHome(s.Command)
	if s.Args != nil {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = expandHome(a)
		}
		s.Args = args
	}
	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = expandHome(v)
		}
		s.Env = env
	}
	if s.Transport != nil {
		t := *s.Transport
		t.URL = expandHome(t.URL)
		s.Transport = &t
	}
	return s
}

func userMCPPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "talkie", "mcp.json"), nil
}

func expandHome(v string) string {
	if !strings.HasPrefix(v, "~") {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return v
	}
	if v == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(v[1:], "/"))
}
