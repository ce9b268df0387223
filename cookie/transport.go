package cookie

import (
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie names.
const (
	SessionName       = "session_id"
	MobileSessionName = "mobile_session_id"
	JSSessionName     = "js_session_id"
	RefreshName       = "refresh_token"
	CSRFName          = "csrf_token"
	SubjectName       = "user_id"
)

// SessionHeader is the secondary transport for clients without cookies.
const SessionHeader = "X-Session-ID"

// SessionNames lists every cookie that may carry the session id, in lookup
// order.
var SessionNames = []string{SessionName, MobileSessionName, JSSessionName}

// Config controls attribute decisions.
type Config struct {
	// Domain is the parent domain the primary session cookie may be scoped to.
	Domain string
	Path   string
	// SameSite is "", "lax", "strict" or "none". Empty selects automatic mode.
	SameSite string
	// Secure overrides transport detection when non-nil.
	Secure *bool
	// Production forces Secure unless Secure is set explicitly.
	Production bool
	// MobileCompat enables the session alias cookies for mobile browsers.
	MobileCompat bool
	// TrustProxyHeaders honors X-Forwarded-Proto, X-Forwarded-Host and Forwarded.
	TrustProxyHeaders bool
	SessionMaxAge     time.Duration
}

// Attributes are the cookie properties chosen for one request.
type Attributes struct {
	Secure    bool
	SameSite  http.SameSite
	Domain    string
	Path      string
	CrossSite bool
	Mobile    bool
}

// Transport writes and reads auth cookies.
type Transport struct {
	cfg Config
}

// New returns a Transport. Path defaults to "/".
func New(cfg Config) *Transport {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	cfg.Domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Domain)), ".")
	cfg.SameSite = strings.ToLower(strings.TrimSpace(cfg.SameSite))
	return &Transport{cfg: cfg}
}

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

// Attributes decides Secure, SameSite and the session cookie Domain for r.
func (t *Transport) Attributes(r *http.Request) Attributes {
	host := t.requestHost(r)
	a := Attributes{
		Secure:    t.secure(r),
		Path:      t.cfg.Path,
		Mobile:    t.cfg.MobileCompat && IsMobile(r.UserAgent()),
		CrossSite: crossSite(r, host),
	}

	switch t.cfg.SameSite {
	case "none":
		a.SameSite = http.SameSiteNoneMode
	case "lax", "strict":
		a.SameSite = http.SameSiteLaxMode
	default:
		if a.CrossSite && a.Secure {
			a.SameSite = http.SameSiteNoneMode
		} else {
			a.SameSite = http.SameSiteLaxMode
		}
	}
	if a.SameSite == http.SameSiteNoneMode && !a.Secure {
		a.SameSite = http.SameSiteLaxMode
	}
	if a.Mobile {
		a.SameSite = http.SameSiteLaxMode
	}

	if t.cfg.Domain != "" && !a.Mobile && !a.CrossSite && withinDomain(host, t.cfg.Domain) {
		a.Domain = t.cfg.Domain
	}
	return a
}

func (t *Transport) secure(r *http.Request) bool {
	if t.cfg.Secure != nil {
		return *t.cfg.Secure
	}
	if t.cfg.Production || r.TLS != nil {
		return true
	}
	if !t.cfg.TrustProxyHeaders {
		return false
	}
	if strings.EqualFold(firstValue(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	for _, part := range strings.Split(firstValue(r.Header.Get("Forwarded")), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "proto") && strings.EqualFold(strings.Trim(v, "\""), "https") {
			return true
		}
	}
	return false
}

func (t *Transport) requestHost(r *http.Request) string {
	host := r.Host
	if t.cfg.TrustProxyHeaders {
		if fwd := firstValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
			host = fwd
		}
	}
	return hostname(host)
}

// SetSession writes the session id, plus the mobile aliases when enabled.
func (t *Transport) SetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	a := t.Attributes(r)
	http.SetCookie(w, t.build(SessionName, sessionID, a, a.Domain, true, t.cfg.SessionMaxAge))
	if a.Mobile {
		for _, name := range SessionNames[1:] {
			http.SetCookie(w, t.build(name, sessionID, a, "", true, t.cfg.SessionMaxAge))
		}
	}
}

// SetRefresh writes the refresh handle until expires.
func (t *Transport) SetRefresh(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	a := t.Attributes(r)
	http.SetCookie(w, t.build(RefreshName, token, a, "", true, time.Until(expires)))
}

// SetCSRF writes the JS-readable CSRF token.
func (t *Transport) SetCSRF(w http.ResponseWriter, r *http.Request, token string) {
	a := t.Attributes(r)
	http.SetCookie(w, t.build(CSRFName, token, a, "", false, t.cfg.SessionMaxAge))
}

// SetSubject writes the informational subject-id cookie.
func (t *Transport) SetSubject(w http.ResponseWriter, r *http.Request, subjectID string) {
	a := t.Attributes(r)
	http.SetCookie(w, t.build(SubjectName, subjectID, a, "", false, t.cfg.SessionMaxAge))
}

// ClearCSRF expires the CSRF cookie.
func (t *Transport) ClearCSRF(w http.ResponseWriter, r *http.Request) {
	a := t.Attributes(r)
	http.SetCookie(w, t.expire(CSRFName, a, "", false))
}

// ClearAll expires every cookie this package may have set. The session
// cookie is expired both host-only and on the configured parent domain so
// neither variant survives.
func (t *Transport) ClearAll(w http.ResponseWriter, r *http.Request) {
	a := t.Attributes(r)
	for _, name := range SessionNames {
		http.SetCookie(w, t.expire(name, a, "", true))
	}
	if t.cfg.Domain != "" {
		http.SetCookie(w, t.expire(SessionName, a, t.cfg.Domain, true))
	}
	http.SetCookie(w, t.expire(RefreshName, a, "", true))
	http.SetCookie(w, t.expire(CSRFName, a, "", false))
	http.SetCookie(w, t.expire(SubjectName, a, "", false))
}

func (t *Transport) build(name, value string, a Attributes, domain string, httpOnly bool, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     a.Path,
		Domain:   domain,
		Secure:   a.Secure,
		HttpOnly: httpOnly,
		SameSite: a.SameSite,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge / time.Second)
		c.Expires = time.Now().Add(maxAge).UTC()
	}
	return c
}

func (t *Transport) expire(name string, a Attributes, domain string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     a.Path,
		Domain:   domain,
		Secure:   a.Secure,
		HttpOnly: httpOnly,
		SameSite: a.SameSite,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
	}
}

// SessionID returns the session id from any session cookie, or from the
// X-Session-ID header when the request carries no session cookie at all.
// fromHeader reports which transport supplied it.
func (t *Transport) SessionID(r *http.Request) (id string, fromHeader bool) {
	present := false
	for _, name := range SessionNames {
		c, err := r.Cookie(name)
		if err != nil {
			continue
		}
		present = true
		if c.Value != "" {
			return c.Value, false
		}
	}
	if present {
		return "", false
	}
	if h := strings.TrimSpace(r.Header.Get(SessionHeader)); h != "" {
		return h, true
	}
	return "", false
}

// HasSessionCookie reports whether any session cookie is present.
func HasSessionCookie(r *http.Request) bool {
	for _, name := range SessionNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return true
		}
	}
	return false
}

// RefreshToken returns the refresh cookie value.
func (t *Transport) RefreshToken(r *http.Request) string {
	c, err := r.Cookie(RefreshName)
	if err != nil {
		return ""
	}
	return c.Value
}

// CSRFToken returns the CSRF cookie value.
func CSRFToken(r *http.Request) string {
	c, err := r.Cookie(CSRFName)
	if err != nil {
		return ""
	}
	return c.Value
}

var mobileMarkers = []string{
	"mobile", "android", "iphone", "ipad", "ipod", "windows phone",
	"blackberry", "opera mini", "iemobile", "webos", "; wv)",
}

// IsMobile reports whether userAgent looks like a mobile browser or webview.
func IsMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

func crossSite(r *http.Request, host string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" || origin == "null" {
		return false
	}
	originHost := origin
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		originHost = rest
	}
	if i := strings.IndexAny(originHost, "/?#"); i >= 0 {
		originHost = originHost[:i]
	}
	return registeredDomain(hostname(originHost)) != registeredDomain(host)
}

func registeredDomain(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

func withinDomain(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func hostname(hostport string) string {
	h := strings.ToLower(strings.TrimSpace(hostport))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.Trim(h, "[]")
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
