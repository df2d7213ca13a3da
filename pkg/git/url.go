package git

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/whilp/git-urls"
)

// Remote points at a git repo somewhere.
type Remote struct {
	// URL is where we fetch from. It may carry credentials.
	URL string `json:"url"`
}

// SafeURL is the URL with any password removed, fit for logs. A URL
// with a scheme that won't parse has everything before its host
// redacted.
func (r Remote) SafeURL() string {
	if i := strings.Index(r.URL, "://"); i >= 0 {
		u, err := url.Parse(r.URL)
		if err != nil {
			rest := r.URL[i+3:]
			if at := strings.LastIndex(rest, "@"); at >= 0 {
				return r.URL[:i+3] + "<redacted>" + rest[at:]
			}
			return r.URL
		}
		return withoutPassword(u)
	}
	u, err := giturls.Parse(r.URL)
	if err != nil {
		return fmt.Sprintf("<unparseable: %s>", r.URL)
	}
	return withoutPassword(u)
}

func withoutPassword(u *url.URL) string {
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
