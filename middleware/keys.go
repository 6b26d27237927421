package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yourusername/floodgate/core"
)

// ErrKeyExtraction is returned when no client key can be derived from a
// request.
var ErrKeyExtraction = fmt.Errorf("%w: key extraction failed", core.ErrValidation)

// KeyExtractor derives the client key from an HTTP request. The key selects
// which bucket a request is charged against: an IP, an API key, a user ID.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP keys clients by the IP in RemoteAddr.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// RemoteAddr may arrive without a port.
			ip = r.RemoteAddr
		}
		if ip == "" {
			return "", fmt.Errorf("%w: empty remote address", ErrKeyExtraction)
		}
		return "ip:" + ip, nil
	}
}

// ExtractIPWithProxy keys clients by IP, honoring X-Forwarded-For and
// X-Real-IP set by a reverse proxy before falling back to RemoteAddr.
func ExtractIPWithProxy() KeyExtractor {
	direct := ExtractIP()
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// The first entry is the original client.
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return "ip:" + xri, nil
		}
		return direct(r)
	}
}

// ExtractHeader keys clients by a header value, e.g. X-API-Key.
func ExtractHeader(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("%w: header %s missing or empty", ErrKeyExtraction, name)
		}
		return fmt.Sprintf("header:%s:%s", name, value), nil
	}
}

// ExtractBearer keys clients by the token in "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header missing", ErrKeyExtraction)
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", fmt.Errorf("%w: malformed bearer token", ErrKeyExtraction)
		}
		return "bearer:" + parts[1], nil
	}
}

// ExtractCookie keys clients by a cookie value, e.g. a session ID.
func ExtractCookie(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s missing or empty", ErrKeyExtraction, name)
		}
		return fmt.Sprintf("cookie:%s:%s", name, cookie.Value), nil
	}
}

// ExtractStatic keys every client the same, for one global budget.
func ExtractStatic(key string) KeyExtractor {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtraction)
		}
		return key, nil
	}
}

// ExtractComposite tries extractors in order and returns the first key that
// resolves. Typical use: API key when present, client IP otherwise.
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		var lastErr error
		for _, extract := range extractors {
			key, err := extract(r)
			if err == nil && key != "" {
				return key, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtraction)
	}
}

// ParseKeyExtractor builds a KeyExtractor from a config string:
//
//	"ip"                -> ExtractIP()
//	"ip-proxy"          -> ExtractIPWithProxy()
//	"header:X-API-Key"  -> ExtractHeader("X-API-Key")
//	"bearer"            -> ExtractBearer()
//	"cookie:session_id" -> ExtractCookie("session_id")
//	"static:global"     -> ExtractStatic("global")
func ParseKeyExtractor(config string) (KeyExtractor, error) {
	kind, arg, hasArg := strings.Cut(config, ":")
	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: header extractor needs 'header:Name'", core.ErrConfiguration)
		}
		return ExtractHeader(arg), nil
	case "cookie":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: cookie extractor needs 'cookie:Name'", core.ErrConfiguration)
		}
		return ExtractCookie(arg), nil
	case "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: static extractor needs 'static:key'", core.ErrConfiguration)
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor %q", core.ErrConfiguration, config)
	}
}
