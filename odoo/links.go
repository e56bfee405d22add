package odoo

import (
	"net/url"
	"strings"
)

// PaymentLink turns an invoice access URL into a link the portal can hand to
// a customer. Relative paths resolve against base with its port removed;
// absolute URLs on the billing host have their port removed. Anything else
// is returned unchanged.
func PaymentLink(base *url.URL, accessURL string) string {
	if accessURL == "" || base == nil {
		return accessURL
	}

	switch {
	case strings.HasPrefix(accessURL, "/"):
		ref, err := url.Parse(accessURL)
		if err != nil {
			return accessURL
		}
		b := *base
		b.Host = hostOnly(&b)
		return b.ResolveReference(ref).String()

	case strings.HasPrefix(accessURL, "http"):
		u, err := url.Parse(accessURL)
		if err != nil {
			return accessURL
		}
		if u.Hostname() == base.Hostname() {
			u.Host = hostOnly(u)
		}
		return u.String()
	}
	return accessURL
}

func hostOnly(u *url.URL) string {
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}
