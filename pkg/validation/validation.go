// Package validation holds the predicates modules use in their attribute
// checks. Apart from filesystem existence tests and host lookups they are
// pure functions of their arguments.
package validation

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// UnavailablePrefix marks placeholder values shipped in the stock settings
// files.
const UnavailablePrefix = "UNAVAILABLE"

// Blank reports whether a setting value should be treated as not given: empty,
// the DEFAULT placeholder, or an UNAVAILABLE placeholder.
func Blank(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return true
	}
	if strings.EqualFold(v, "DEFAULT") {
		return true
	}
	return strings.HasPrefix(strings.ToUpper(v), UnavailablePrefix)
}

// ValidLocation reports whether path exists.
func ValidLocation(path string) bool {
	if Blank(path) {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// ValidFile reports whether path exists and is a regular file.
func ValidFile(path string) bool {
	if Blank(path) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ValidDirectory reports whether path exists and is a directory.
func ValidDirectory(path string) bool {
	if Blank(path) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ValidExecutable reports whether path is a regular file with an execute bit.
func ValidExecutable(path string) bool {
	if Blank(path) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// ValidHostname reports whether host is an RFC 1123 host name or an IP
// address.
func ValidHostname(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return validate.Var(host, "hostname_rfc1123") == nil
}

// ValidURI reports whether raw is an absolute URI with a non-empty host.
func ValidURI(raw string) bool {
	return URIHost(raw) != ""
}

// URIHost returns the host part of raw, or "" when raw is not an absolute URI
// with a network location.
func URIHost(raw string) string {
	if validate.Var(raw, "required,uri") != nil {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ValidContact checks a gatekeeper contact string of the form
// host[:port]/jobmanager-<jobManager>.
func ValidContact(contact, jobManager string) bool {
	return CheckContact(contact, jobManager) == nil
}

// CheckContact is ValidContact with a reason.
func CheckContact(contact, jobManager string) error {
	hostPort, service, ok := strings.Cut(strings.TrimSpace(contact), "/")
	if !ok {
		return fmt.Errorf("contact %q is missing the jobmanager part", contact)
	}
	if want := "jobmanager-" + jobManager; service != want {
		return fmt.Errorf("contact %q should end in /%s", contact, want)
	}

	host := hostPort
	if h, p, found := strings.Cut(hostPort, ":"); found {
		host = h
		if _, err := ParsePort(p); err != nil {
			return fmt.Errorf("contact %q: %w", contact, err)
		}
	}
	if !ValidHostname(host) {
		return fmt.Errorf("contact %q has an invalid host %q", contact, host)
	}
	return nil
}

// ParsePort parses a TCP port number in 1..65535.
func ParsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// ParsePortRange parses a "low,high" range with 0 < low <= high <= 65535.
func ParsePortRange(s string) (low, high int, err error) {
	l, h, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range specification, expected low_port,high_port, got %s", s)
	}
	if low, err = ParsePort(l); err != nil {
		return 0, 0, err
	}
	if high, err = ParsePort(h); err != nil {
		return 0, 0, err
	}
	if low > high {
		return 0, 0, fmt.Errorf("invalid range %s: low port is greater than high port", s)
	}
	return low, high, nil
}

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// HostResolves reports whether host resolves to at least one address.
func HostResolves(ctx context.Context, r Resolver, host string) bool {
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	return err == nil && len(addrs) > 0
}
