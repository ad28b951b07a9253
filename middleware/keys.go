package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrKeyExtraction is returned when no limit key can be derived from a request.
var ErrKeyExtraction = errors.New("failed to extract key from request")

// KeyExtractor derives the limit key for a request, e.g. the client IP or an
// API key.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP keys requests by r.RemoteAddr without the port.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// ExtractIPWithProxy prefers the first X-Forwarded-For address, then
// X-Real-IP, then RemoteAddr. Only use it behind a proxy that sets these
// headers; clients can forge them otherwise.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return "ip:" + xri, nil
		}
		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrKeyExtraction)
	}
	return "ip:" + ip, nil
}

// ExtractHeader keys requests by the value of header name.
func ExtractHeader(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtraction, name)
		}
		return "header:" + name + ":" + value, nil
	}
}

// ExtractBearer keys requests by the bearer token in Authorization.
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtraction)
		}
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtraction)
		}
		if token = strings.TrimSpace(token); token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtraction)
		}
		return "bearer:" + token, nil
	}
}

// ExtractCookie keys requests by the value of cookie name.
func ExtractCookie(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(name)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s: %v", ErrKeyExtraction, name, err)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtraction, name)
		}
		return "cookie:" + name + ":" + cookie.Value, nil
	}
}

// ExtractStatic puts every request under one key, i.e. a global limit.
func ExtractStatic(key string) KeyExtractor {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtraction)
		}
		return key, nil
	}
}

// ExtractComposite returns the key from the first extractor that succeeds.
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(), // anonymous clients
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		var errs []error
		for _, extract := range extractors {
			key, err := extract(r)
			if err == nil && key != "" {
				return key, nil
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			return "", fmt.Errorf("%w: no extractor produced a key", ErrKeyExtraction)
		}
		return "", errors.Join(errs...)
	}
}

// ParseKeyExtractor builds a KeyExtractor from its config form:
//
//	ip, ip-proxy, bearer
//	header:<name>, cookie:<name>, static:<key>
//	a|b  tries a, then b (composite)
func ParseKeyExtractor(spec string) (KeyExtractor, error) {
	if strings.Contains(spec, "|") {
		var parts []KeyExtractor
		for _, s := range strings.Split(spec, "|") {
			e, err := ParseKeyExtractor(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			parts = append(parts, e)
		}
		return ExtractComposite(parts...), nil
	}

	kind, arg, hasArg := strings.Cut(spec, ":")
	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header", "cookie", "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("key extractor %q requires the form '%s:<value>'", spec, kind)
		}
		switch kind {
		case "header":
			return ExtractHeader(arg), nil
		case "cookie":
			return ExtractCookie(arg), nil
		default:
			return ExtractStatic(arg), nil
		}
	default:
		return nil, fmt.Errorf("unknown key extractor %q", spec)
	}
}
