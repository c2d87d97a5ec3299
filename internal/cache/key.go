package cache

import (
	"net/url"
	"strings"
)

// Key canonicalises a request identity as method + normalized URL. Query
// parameters are sorted so equivalent URLs collapse to one entry; fragments
// never reach the network and are dropped.
func Key(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	normalized := strings.TrimSpace(rawURL)
	if parsed, err := url.Parse(normalized); err == nil {
		parsed.Fragment = ""
		parsed.Host = strings.ToLower(parsed.Host)
		parsed.Scheme = strings.ToLower(parsed.Scheme)
		if parsed.Path == "" && parsed.Host != "" {
			parsed.Path = "/"
		}
		if parsed.RawQuery != "" {
			values, qerr := url.ParseQuery(parsed.RawQuery)
			if qerr == nil {
				parsed.RawQuery = values.Encode() // Encode sorts by key
			}
		}
		normalized = parsed.String()
	}

	var builder strings.Builder
	builder.Grow(len(method) + len(normalized) + 4)
	builder.WriteString("m=")
	builder.WriteString(method)
	builder.WriteString("|u=")
	builder.WriteString(normalized)
	return builder.String()
}
