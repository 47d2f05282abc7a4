// Package fingerprint derives the stable identity of a plugin installation from its
// domain, URL path and filesystem install root. Normalisation is part of the contract:
// callers pass raw values as reported by the plugin.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidSite is returned when the domain cannot be normalised to a hostname
var ErrInvalidSite = errors.New("invalid site identity")

const maxHostLength = 253

var (
	hostnamePattern = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?(\.[a-z0-9_]([a-z0-9_-]*[a-z0-9_])?)*$`)
	drivePattern    = regexp.MustCompile(`^[A-Za-z]:`)
)

// Site is a normalised installation identity
type Site struct {
	Domain      string `json:"domain"`
	Path        string `json:"path"`
	InstallRoot string `json:"install_root"`
}

// Normalize lower-cases the host, drops the scheme, default ports, a leading "www." label,
// the query and trailing slashes, and converts Windows separators in the install root. A path embedded in domain (for example
// "https://Example.com/blog/") is used when path is empty.
func Normalize(domain, sitePath, installRoot string) (Site, error) {
	host, embeddedPath, err := splitDomain(domain)
	if err != nil {
		return Site{}, err
	}

	p := strings.TrimSpace(sitePath)
	if p == "" {
		p = embeddedPath
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	return Site{
		Domain:      host,
		Path:        cleanSlashPath(p),
		InstallRoot: normalizeInstallRoot(installRoot),
	}, nil
}

// ID returns the 128-bit hex fingerprint of a normalised site
func (s Site) ID() string {
	h := sha256.New()
	h.Write([]byte(s.Domain))
	h.Write([]byte{0})
	h.Write([]byte(s.Path))
	h.Write([]byte{0})
	h.Write([]byte(s.InstallRoot))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Fingerprint normalises the inputs and returns the site and its fingerprint
func Fingerprint(domain, sitePath, installRoot string) (Site, string, error) {
	site, err := Normalize(domain, sitePath, installRoot)
	if err != nil {
		return Site{}, "", err
	}
	return site, site.ID(), nil
}

func splitDomain(raw string) (host, embeddedPath string, err error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return "", "", ErrInvalidSite
	}

	if strings.Contains(d, "://") {
		u, perr := url.Parse(d)
		if perr != nil || u.Host == "" {
			return "", "", ErrInvalidSite
		}
		d = u.Host
		embeddedPath = u.EscapedPath()
	} else if i := strings.IndexAny(d, "/?#"); i >= 0 {
		embeddedPath = d[i:]
		d = d[:i]
	}

	if at := strings.LastIndex(d, "@"); at >= 0 {
		d = d[at+1:]
	}
	d = strings.TrimSuffix(d, ".")

	if !validHost(d) {
		return "", "", ErrInvalidSite
	}
	return canonicalHost(d), embeddedPath, nil
}

// canonicalHost drops the default HTTP ports and a leading "www." label, so
// "www.example.com:443" and "example.com" name the same site.
func canonicalHost(hostport string) string {
	host := hostport
	if h, port, err := net.SplitHostPort(hostport); err == nil {
		if port == "80" || port == "443" {
			hostport = h
			if strings.Contains(h, ":") {
				hostport = "[" + h + "]"
			}
		}
		host = h
	}
	if rest, ok := strings.CutPrefix(host, "www."); ok && strings.Contains(rest, ".") && net.ParseIP(host) == nil {
		return strings.Replace(hostport, host, rest, 1)
	}
	return hostport
}

func validHost(hostport string) bool {
	if hostport == "" || len(hostport) > maxHostLength+6 {
		return false
	}
	host := hostport
	if h, port, err := net.SplitHostPort(hostport); err == nil {
		n, perr := strconv.Atoi(port)
		if perr != nil || n < 1 || n > 65535 {
			return false
		}
		host = h
	}
	if len(host) > maxHostLength {
		return false
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return net.ParseIP(host[1:len(host)-1]) != nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}

// cleanSlashPath collapses duplicate separators and strips the trailing slash; the root maps to "".
func cleanSlashPath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "/" {
		return ""
	}
	return p
}

func normalizeInstallRoot(root string) string {
	r := strings.ReplaceAll(strings.TrimSpace(root), `\`, "/")
	if r == "" {
		return ""
	}
	var drive string
	if drivePattern.MatchString(r) {
		drive = strings.ToLower(r[:2])
		r = r[2:]
	}
	return drive + cleanSlashPath(r)
}
