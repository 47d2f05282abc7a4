package fingerprint

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Normalize
// ---------------------------------------------------------------------------

func TestNormalize(t *testing.T) {
	tests := []struct {
		name                      string
		domain, path, installRoot string
		want                      Site
	}{
		{
			name:   "plain host",
			domain: "example.com", path: "", installRoot: "/var/www/html",
			want: Site{Domain: "example.com", InstallRoot: "/var/www/html"},
		},
		{
			name:   "scheme, case and trailing slash stripped",
			domain: "HTTPS://Example.COM/", path: "/Blog/", installRoot: "/var/www/html/",
			want: Site{Domain: "example.com", Path: "/Blog", InstallRoot: "/var/www/html"},
		},
		{
			name:   "embedded path used when path empty",
			domain: "http://example.com/shop/", path: "", installRoot: "",
			want: Site{Domain: "example.com", Path: "/shop"},
		},
		{
			name:   "explicit path wins over embedded path",
			domain: "example.com/old", path: "new", installRoot: "",
			want: Site{Domain: "example.com", Path: "/new"},
		},
		{
			name:   "windows install root",
			domain: "localhost:8080", path: "/", installRoot: `C:\inetpub\wwwroot\`,
			want: Site{Domain: "localhost:8080", InstallRoot: "c:/inetpub/wwwroot"},
		},
		{
			name:   "query and duplicate slashes",
			domain: "example.com", path: "//blog//?p=1", installRoot: "/srv//www/",
			want: Site{Domain: "example.com", Path: "/blog", InstallRoot: "/srv/www"},
		},
		{
			name:   "trailing dot and whitespace",
			domain: "  example.com.  ", path: " ", installRoot: " ",
			want: Site{Domain: "example.com"},
		},
		{
			name:   "ip address",
			domain: "http://10.0.0.5:8443", path: "", installRoot: "",
			want: Site{Domain: "10.0.0.5:8443"},
		},
		{
			name:   "default https port and www dropped",
			domain: "https://WWW.Example.com:443/blog", path: "", installRoot: "",
			want: Site{Domain: "example.com", Path: "/blog"},
		},
		{
			name:   "default http port without scheme",
			domain: "example.com:80", path: "", installRoot: "",
			want: Site{Domain: "example.com"},
		},
		{
			name:   "www kept with custom port",
			domain: "www.example.com:8080", path: "", installRoot: "",
			want: Site{Domain: "example.com:8080"},
		},
		{
			name:   "www that is the registrable name",
			domain: "www.localhost", path: "", installRoot: "",
			want: Site{Domain: "www.localhost"},
		},
		{
			name:   "host starting with www but not a label",
			domain: "wwwexample.com", path: "", installRoot: "",
			want: Site{Domain: "wwwexample.com"},
		},
		{
			name:   "ipv6 default port",
			domain: "http://[::1]:80/", path: "", installRoot: "",
			want: Site{Domain: "[::1]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.domain, tt.path, tt.installRoot)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	for _, domain := range []string{
		"",
		"   ",
		"exa mple.com",
		"example..com",
		"-example.com",
		"exam!ple.com",
		"https://",
		"example.com:99999",
		strings.Repeat("a", 254),
	} {
		_, err := Normalize(domain, "", "")
		assert.Truef(t, errors.Is(err, ErrInvalidSite), "domain %q: err = %v", domain, err)
	}
}

// ---------------------------------------------------------------------------
// Fingerprint
// ---------------------------------------------------------------------------

func TestFingerprint_StableAndSized(t *testing.T) {
	_, a, err := Fingerprint("example.com", "/blog", "/var/www")
	require.NoError(t, err)
	_, b, err := Fingerprint("example.com", "/blog", "/var/www")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestFingerprint_MinorVariationsCollide(t *testing.T) {
	_, a, err := Fingerprint("https://Example.com/", "/blog/", "/var/www/")
	require.NoError(t, err)
	_, b, err := Fingerprint("http://example.com", "blog", "/var/www")
	require.NoError(t, err)
	_, c, err := Fingerprint("https://www.example.com:443", "blog", "/var/www")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestFingerprint_DistinctInstallsDiffer(t *testing.T) {
	seen := map[string]bool{}
	for _, root := range []string{"/a", "/b", "/c", "/d", "/e"} {
		_, id, err := Fingerprint("sitea.example", "", root)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate fingerprint for %s", root)
		seen[id] = true
	}
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	// Without a separator "ab"+"/c" and "a"+"b/c" style splits could collide.
	_, a, err := Fingerprint("example.com", "/ab", "/c")
	require.NoError(t, err)
	_, b, err := Fingerprint("example.com", "/a", "/b/c")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
