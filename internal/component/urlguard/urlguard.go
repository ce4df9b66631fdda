// Package urlguard vets the URLs workflow-authored http nodes are allowed
// to call. Node configs are user-supplied, so every outbound request is a
// potential SSRF vector: the guard rejects non-HTTP schemes, loopback and
// private-network hosts, and path/query values that smell like local file
// access before the component ever opens a connection.
package urlguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Guard validates outbound URLs for http components.
type Guard struct {
	blockedHosts map[string]bool
}

// New returns a Guard with the default deny rules.
func New() *Guard {
	return &Guard{
		blockedHosts: map[string]bool{
			"localhost":           true,
			"127.0.0.1":           true,
			"::1":                 true,
			"0.0.0.0":             true,
			"::":                  true,
			"::ffff:127.0.0.1":    true,
			"[::1]":               true,
			"[::ffff:127.0.0.1]":  true,
		},
	}
}

// Check parses rawURL and runs every rule: scheme, host, resolved IPs,
// path, and query values.
func (g *Guard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("urlguard: invalid url: %w", err)
	}
	if err := g.checkScheme(u.Scheme); err != nil {
		return err
	}
	if err := g.checkHost(u.Hostname()); err != nil {
		return err
	}
	if err := checkPath(u.Path); err != nil {
		return err
	}
	for key, values := range u.Query() {
		for _, v := range values {
			if err := checkPath(v); err != nil {
				return fmt.Errorf("urlguard: query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func (g *Guard) checkScheme(scheme string) error {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "http", "https":
		return nil
	case "":
		return fmt.Errorf("urlguard: url has no scheme")
	default:
		return fmt.Errorf("urlguard: scheme %q is not allowed, only http and https are", scheme)
	}
}

// checkHost blocks well-known local names outright, then resolves the host
// and applies the IP rules to every address it maps to. A DNS failure is
// let through: the request itself will fail with a clearer error, and
// blocking on resolver hiccups would make transient DNS outages look like
// policy denials.
func (g *Guard) checkHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("urlguard: url has no host")
	}
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if g.blockedHosts[normalized] {
		return fmt.Errorf("urlguard: host %q is blocked", hostname)
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// checkIP rejects every address class an internal service could live on:
// loopback, RFC1918/ULA private ranges, link-local (cloud metadata
// endpoints), multicast, and unspecified.
func checkIP(ip net.IP) error {
	switch {
	case ip == nil:
		return fmt.Errorf("urlguard: nil ip")
	case ip.IsLoopback():
		return fmt.Errorf("urlguard: ip %s is blocked: loopback", ip)
	case ip.IsPrivate():
		return fmt.Errorf("urlguard: ip %s is blocked: private network", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("urlguard: ip %s is blocked: link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("urlguard: ip %s is blocked: multicast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("urlguard: ip %s is blocked: unspecified", ip)
	default:
		return nil
	}
}

var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"c:/",
	"c:\\",
	"\\\\.\\pipe\\",
	// url-encoded traversal variants
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e\\",
	"%2e%2e%5c",
	"..%5c",
}

func checkPath(value string) error {
	if value == "" {
		return nil
	}
	lowered := strings.ToLower(value)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(lowered, pattern) {
			return fmt.Errorf("urlguard: value contains blocked pattern %q", pattern)
		}
	}
	return nil
}
