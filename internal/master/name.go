package master

import (
	"os"
	"strings"
)

// Slug lowercases s and replaces every run of characters outside [a-z0-9] with "-".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Name returns "<basename>@<hostname>". An empty basename defaults to the
// slugged hostname.
func Name(basename string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = Slug(host)
	if basename = Slug(basename); basename == "" {
		basename = host
	}
	return basename + "@" + host
}
