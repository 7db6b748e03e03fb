package dataplane

import (
	"fmt"
	"strings"

	"github.com/codefionn/hubgate/hubgate-srv/config"
)

const (
	maxLabelLength      = 63
	maxAPIVersionLength = 64
)

// Characters that would let a host name smuggle a path, escape, credential,
// port, query or fragment into the URL.
const forbiddenHostChars = `/\%@#?&=:`

// HostnameValidator accepts exactly "<label>.<Domain>".
type HostnameValidator struct {
	Domain string // two labels, e.g. azure-devices.net
}

// NewHostnameValidator returns a validator for domain, which must consist of
// exactly two non-empty labels.
func NewHostnameValidator(domain string) (HostnameValidator, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	labels := strings.Split(domain, ".")
	if len(labels) != 2 || !isDNSLabel(labels[0]) || !isDNSLabel(labels[1]) {
		return HostnameValidator{}, fmt.Errorf("management domain must be two DNS labels, got %q", domain)
	}
	return HostnameValidator{Domain: domain}, nil
}

var defaultHostnames = HostnameValidator{Domain: config.DefaultManagementDomain}

// ValidateHostname checks hostname against the default management domain.
func ValidateHostname(hostname string) bool {
	return defaultHostnames.Validate(hostname)
}

// Validate reports whether hostname is a single DNS label under v.Domain.
func (v HostnameValidator) Validate(hostname string) bool {
	_, ok := v.normalize(hostname)
	return ok
}

// normalize returns the lowercased, trimmed host name when it is valid.
func (v HostnameValidator) normalize(hostname string) (string, bool) {
	host := strings.ToLower(strings.TrimSpace(hostname))
	if host == "" {
		return "", false
	}

	domain := strings.ToLower(v.Domain)
	if domain == "" {
		domain = config.DefaultManagementDomain
	}
	if !strings.HasSuffix(host, "."+domain) {
		return "", false
	}
	if strings.ContainsAny(host, forbiddenHostChars) {
		return "", false
	}

	labels := strings.Split(host, ".")
	domainLabels := strings.Split(domain, ".")
	if len(labels) != 3 || len(domainLabels) != 2 {
		return "", false
	}
	if labels[1] != domainLabels[0] || labels[2] != domainLabels[1] {
		return "", false
	}
	if !isDNSLabel(labels[0]) {
		return "", false
	}
	return host, true
}

// isDNSLabel: 1-63 of [a-z0-9-], no leading or trailing hyphen.
func isDNSLabel(label string) bool {
	if len(label) == 0 || len(label) > maxLabelLength {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !isLowerAlnum(c) && c != '-' {
			return false
		}
	}
	return true
}

func isLowerAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isAlnum(c byte) bool {
	return isLowerAlnum(c) || (c >= 'A' && c <= 'Z')
}

// ValidatePath accepts non-empty paths over [a-zA-Z0-9-_/] without ".." or "//".
func ValidatePath(path string) bool {
	if path == "" {
		return false
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		if !isAlnum(c) && c != '-' && c != '_' && c != '/' {
			return false
		}
	}
	return !strings.Contains(path, "..") && !strings.Contains(path, "//")
}

// ValidateQueryString accepts the empty string and otherwise only
// [a-zA-Z0-9=&_%.+?-]. Nothing is decoded.
func ValidateQueryString(query string) bool {
	for i := 0; i < len(query); i++ {
		c := query[i]
		if isAlnum(c) {
			continue
		}
		switch c {
		case '=', '&', '_', '%', '.', '+', '?', '-':
		default:
			return false
		}
	}
	return true
}

// ValidateAPIVersion accepts values such as "2021-04-12" or "2020-09-30.preview".
func ValidateAPIVersion(version string) bool {
	if version == "" || len(version) > maxAPIVersionLength {
		return false
	}
	for i := 0; i < len(version); i++ {
		c := version[i]
		if !isAlnum(c) && c != '-' && c != '.' {
			return false
		}
	}
	return true
}
