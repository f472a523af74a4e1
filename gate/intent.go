package gate

import (
	"net/http"
	"net/url"
	"strings"
)

// FromParam is the query parameter carrying the navigation intent.
const FromParam = "from"

// Intent is the location a visitor tried to reach before being redirected.
type Intent struct {
	AttemptedPath string `json:"attemptedPath"`
}

// IsZero reports whether no location was captured.
func (i Intent) IsZero() bool {
	return i.AttemptedPath == ""
}

// ReturnPath is where to send the visitor after signing in.
func (i Intent) ReturnPath() string {
	if i.IsZero() {
		return "/"
	}
	return i.AttemptedPath
}

// RedirectURL appends the intent to entryPoint.
func (i Intent) RedirectURL(entryPoint string) string {
	if i.IsZero() {
		return entryPoint
	}
	u, err := url.Parse(entryPoint)
	if err != nil {
		return entryPoint
	}
	q := u.Query()
	q.Set(FromParam, i.AttemptedPath)
	u.RawQuery = q.Encode()
	return u.String()
}

// IntentFromRequest reads the intent of a request to the entry point or to a
// sign-in endpoint. Anything other than a local path is dropped.
func IntentFromRequest(r *http.Request) Intent {
	return Intent{AttemptedPath: SanitizePath(r.URL.Query().Get(FromParam))}
}

// SanitizePath returns p when it is a local absolute path, or "".
func SanitizePath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return ""
	}
	// "//host" and "/\host" are treated as network paths by browsers
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return ""
	}
	if strings.ContainsAny(p, "\r\n") {
		return ""
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return p
}
