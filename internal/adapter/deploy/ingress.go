package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// catchAllService terminates the ingress list; cloudflared rejects a config
// without it.
const catchAllService = "http_status:404"

// updateIngress rewrites the tunnel daemon config so hostname resolves to
// the local port. An existing rule for the hostname is updated in place;
// a new rule goes immediately before the catch-all. Unknown keys in the
// config survive the rewrite.
func (d *Deployer) updateIngress(hostname string, port int) error {
	cfg, err := d.loadIngressConfig()
	if err != nil {
		return err
	}

	rules, _ := cfg["ingress"].([]any)
	service := fmt.Sprintf("http://localhost:%d", port)

	updated := false
	kept := make([]any, 0, len(rules)+2)
	for _, r := range rules {
		m, ok := r.(map[string]any)
		if !ok {
			kept = append(kept, r)
			continue
		}
		if h, _ := m["hostname"].(string); h == hostname {
			if updated {
				// Drop stray duplicates beyond the first.
				continue
			}
			m["service"] = service
			updated = true
		}
		kept = append(kept, m)
	}

	if !updated {
		entry := map[string]any{"hostname": hostname, "service": service}
		idx := catchAllIndex(kept)
		kept = append(kept[:idx], append([]any{entry}, kept[idx:]...)...)
	}
	if catchAllIndex(kept) == len(kept) {
		kept = append(kept, map[string]any{"service": catchAllService})
	}
	cfg["ingress"] = kept

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.ingressPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(d.ingressPath), 0o755); err != nil {
		return err
	}
	return atomicWrite(d.ingressPath, out, 0o644)
}

// loadIngressConfig parses the daemon config, scaffolding a fresh one keyed
// to the configured tunnel when the file is missing or empty.
func (d *Deployer) loadIngressConfig() (map[string]any, error) {
	raw, err := os.ReadFile(d.ingressPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := map[string]any{}
	if err == nil {
		if uerr := yaml.Unmarshal(raw, &cfg); uerr != nil {
			return nil, fmt.Errorf("parse %s: %v", d.ingressPath, uerr)
		}
	}
	if len(cfg) == 0 {
		cfg = map[string]any{
			"tunnel":           d.tunnelID,
			"credentials-file": filepath.Join(filepath.Dir(d.ingressPath), d.tunnelID+".json"),
			"ingress":          []any{},
		}
	}
	return cfg, nil
}

// catchAllIndex returns the position of the first rule with no hostname, or
// len(rules) when every rule is host-specific.
func catchAllIndex(rules []any) int {
	for i, r := range rules {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if _, has := m["hostname"]; !has {
			return i
		}
	}
	return len(rules)
}
