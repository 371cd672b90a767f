package harvest

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeURL canonicalizes a URL for visited-set deduplication:
// lowercase scheme and host, fragment stripped, query keys sorted.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if b.Len() > 0 {
						b.WriteByte('&')
					}
					b.WriteString(url.QueryEscape(k))
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
			u.RawQuery = b.String()
		}
	}
	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 for a host, so www.example.com and
// docs.example.com both map to example.com.
func RegistrableDomain(host string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("etld+1 for %q: %w", host, err)
	}
	return domain, nil
}

// SameSite reports whether candidate shares the seed's registrable domain.
func SameSite(seedHost, candidateHost string) bool {
	seed, err := RegistrableDomain(seedHost)
	if err != nil {
		return false
	}
	cand, err := RegistrableDomain(candidateHost)
	if err != nil {
		return false
	}
	return seed == cand
}

// IsPdfURL reports whether the URL path ends in .pdf, case-insensitive.
func IsPdfURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(raw), ".pdf")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

// FilenameFromURL derives a destination filename from the terminal segment
// of the URL path, URL-decoded. Returns "" when the path has no usable
// segment.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segment := path.Base(u.Path)
	if segment == "." || segment == "/" || segment == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	return segment
}
