// Package discovery decides which documentation URLs the pipeline may
// render. Scope is positive-only: a URL must match an allowed prefix on the
// documentation host and must not be disallowed by robots rules or the
// exclusion list. Anything outside scope is rejected before a browser ever
// touches it.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pinedocs/internal/config"
	"pinedocs/internal/logging"
)

// Scope evaluates URLs against the configured host, prefixes, exclusions,
// and robots.txt rules.
type Scope struct {
	host                 *url.URL
	allowedPrefixes      []string
	excludedPathSegments []string
	respectRobots        bool

	robotsDisallow []string
	robotsLoaded   bool
}

// NewScope builds a scope from discovery configuration.
func NewScope(cfg config.DiscoveryConfig) (*Scope, error) {
	host, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse discovery host %q: %w", cfg.Host, err)
	}
	if host.Scheme == "" || host.Host == "" {
		return nil, fmt.Errorf("discovery host %q must include scheme and host", cfg.Host)
	}
	return &Scope{
		host:                 host,
		allowedPrefixes:      cfg.AllowedPrefixes,
		excludedPathSegments: cfg.ExcludedPathSegments,
		respectRobots:        cfg.RespectRobots,
	}, nil
}

// Canonicalize normalizes a raw URL to its canonical form: https scheme,
// lowercase host, no fragment, no query, no trailing slash. Canonical URLs
// are the identity keys for manifests and drift comparison, so two spellings
// of the same page must canonicalize identically.
func (s *Scope) Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		// Relative link: resolve against the documentation host.
		u = s.host.ResolveReference(u)
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	// The bare apex spelling of the documentation host is the same site.
	if u.Host != s.host.Host && "www."+u.Host == s.host.Host {
		u.Host = s.host.Host
	}
	u.Fragment = ""
	u.RawQuery = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// InScope reports whether a canonical URL may be rendered, with a
// machine-readable reason when it may not.
func (s *Scope) InScope(canonical string) (bool, string) {
	u, err := url.Parse(canonical)
	if err != nil {
		return false, "unparseable_url"
	}
	if !strings.EqualFold(u.Host, s.host.Host) {
		return false, "foreign_host"
	}

	for _, segment := range s.excludedPathSegments {
		if strings.Contains(u.Path+"/", segment) {
			return false, "excluded_path_segment"
		}
	}

	allowed := false
	for _, prefix := range s.allowedPrefixes {
		// A prefix matches whole path elements only: /pine-script-docs
		// must not admit /pine-script-docsolete.
		if u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/") {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, "outside_allowed_prefixes"
	}

	if s.respectRobots && s.robotsLoaded {
		for _, rule := range s.robotsDisallow {
			if rule != "" && strings.HasPrefix(u.Path, rule) {
				return false, "robots_disallowed"
			}
		}
	}
	return true, ""
}

// LoadRobots fetches and parses the host's robots.txt, recording the
// Disallow rules for the wildcard user agent. A missing robots.txt means no
// restrictions; an unreachable host is an error because compliance cannot
// be verified.
func (s *Scope) LoadRobots(ctx context.Context, client *http.Client) error {
	if !s.respectRobots {
		s.robotsLoaded = true
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	robotsURL := s.host.Scheme + "://" + s.host.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return fmt.Errorf("build robots request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		s.robotsDisallow = nil
		s.robotsLoaded = true
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch robots.txt: unexpected status %d", resp.StatusCode)
	}

	rules, err := parseRobots(resp.Body)
	if err != nil {
		return fmt.Errorf("parse robots.txt: %w", err)
	}
	s.robotsDisallow = rules
	s.robotsLoaded = true
	logging.Boot("robots.txt loaded: %d disallow rules for *", len(rules))
	return nil
}

// parseRobots extracts Disallow rules from any group whose User-agent lines
// include the wildcard agent. A group may name several agents on consecutive
// User-agent lines; its rules apply to all of them.
func parseRobots(r io.Reader) ([]string, error) {
	var rules []string
	inWildcard := false
	inAgentBlock := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			// The first agent line after rules starts a new group.
			if !inAgentBlock {
				inWildcard = false
			}
			inAgentBlock = true
			if value == "*" {
				inWildcard = true
			}
		case "disallow":
			inAgentBlock = false
			if inWildcard && value != "" {
				rules = append(rules, value)
			}
		default:
			inAgentBlock = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}
