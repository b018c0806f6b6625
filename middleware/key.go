package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/KanavDutta/ratefence/limiter"
)

// ErrKeyExtractionFailed is returned when no client identifier can be derived
var ErrKeyExtractionFailed = errors.New("failed to extract client identifier")

// KeyFunc extracts a client identifier from the request
type KeyFunc func(*http.Request) (string, error)

// ExtractIP returns a KeyFunc that uses the peer host from r.RemoteAddr.
func ExtractIP() KeyFunc {
	return func(r *http.Request) (string, error) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// RemoteAddr might not have a port in some edge cases
			ip = r.RemoteAddr
		}
		if ip == "" {
			return "", fmt.Errorf("%w: empty peer address", ErrKeyExtractionFailed)
		}
		return ip, nil
	}
}

// ExtractIPWithProxy returns a KeyFunc that considers proxy headers.
// Only use it behind a proxy that overwrites X-Forwarded-For; otherwise
// clients can pick their own identity.
func ExtractIPWithProxy() KeyFunc {
	peer := ExtractIP()
	return func(r *http.Request) (string, error) {
		// The first X-Forwarded-For entry is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri, nil
		}
		return peer(r)
	}
}

// ExtractHeader returns a KeyFunc that uses a specific HTTP header.
func ExtractHeader(headerName string) KeyFunc {
	return func(r *http.Request) (string, error) {
		value := strings.TrimSpace(r.Header.Get(headerName))
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, headerName)
		}
		return value, nil
	}
}

// ExtractComposite tries each KeyFunc in order and returns the first success.
func ExtractComposite(funcs ...KeyFunc) KeyFunc {
	return func(r *http.Request) (string, error) {
		var errs []error
		for _, f := range funcs {
			key, err := f(r)
			if err == nil {
				return key, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", fmt.Errorf("%w: no extractors configured", ErrKeyExtractionFailed)
		}
		return "", errors.Join(errs...)
	}
}

// ExtractAPIKeyOrIP identifies clients by an API key header and falls back
// to the peer address when the header is absent.
func ExtractAPIKeyOrIP(headerName string, trustProxy bool) KeyFunc {
	ip := ExtractIP()
	if trustProxy {
		ip = ExtractIPWithProxy()
	}
	return ExtractComposite(ExtractHeader(headerName), ip)
}

// ExtractBearer uses the token of an "Authorization: Bearer <token>" header.
func ExtractBearer() KeyFunc {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtractionFailed)
		}

		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtractionFailed)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}

		return "bearer:" + token, nil
	}
}

// ExtractCookie uses the value of the named cookie.
func ExtractCookie(cookieName string) KeyFunc {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s not found", ErrKeyExtractionFailed, cookieName)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtractionFailed, cookieName)
		}
		return "cookie:" + cookieName + ":" + cookie.Value, nil
	}
}

// ExtractStatic puts every client in one shared bucket per route.
func ExtractStatic(key string) KeyFunc {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ParseKeyFunc builds a KeyFunc from its config string. Supported formats:
//
//	ip                 peer address
//	ip-proxy           X-Forwarded-For, X-Real-IP, then peer address
//	header:X-API-Key   header value
//	bearer             Authorization bearer token
//	cookie:session_id  cookie value
//	static:global      one shared key
//
// Formats may be chained with "|" to fall back in order, e.g. "bearer|ip".
func ParseKeyFunc(expr string) (KeyFunc, error) {
	if strings.Contains(expr, "|") {
		var funcs []KeyFunc
		for _, part := range strings.Split(expr, "|") {
			f, err := ParseKeyFunc(part)
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, f)
		}
		return ExtractComposite(funcs...), nil
	}

	kind, arg, hasArg := strings.Cut(strings.TrimSpace(expr), ":")
	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header", "cookie", "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: %s extractor requires format '%s:<name>'", limiter.ErrInvalidConfiguration, kind, kind)
		}
		switch kind {
		case "header":
			return ExtractHeader(arg), nil
		case "cookie":
			return ExtractCookie(arg), nil
		}
		return ExtractStatic(arg), nil
	}
	return nil, fmt.Errorf("%w: unknown key extractor %q", limiter.ErrInvalidConfiguration, expr)
}
