package coordinator

import (
	"net/url"
	"strings"
)

// URLVerdict reports whether a url may be opened by an agent.
type URLVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CheckURL accepts http, https and about:blank. Browser-internal, script and
// local-file schemes are refused.
func CheckURL(raw string) URLVerdict {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URLVerdict{Reason: "url is required"}
	}
	if raw == "about:blank" {
		return URLVerdict{Allowed: true}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return URLVerdict{Reason: "invalid url: " + err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return URLVerdict{Reason: "url has no host"}
		}
		return URLVerdict{Allowed: true}
	case "":
		return URLVerdict{Reason: "url must be absolute (http or https)"}
	default:
		return URLVerdict{Reason: "scheme not allowed: " + u.Scheme}
	}
}
