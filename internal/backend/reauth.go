package backend

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"field-sync-service/internal/logger"
)

// Reauthenticator supplies a fresh token from inside a RoundTrip, where the
// caller cannot wait on anything but a bounded blocking call.
type Reauthenticator interface {
	Token() string
	RefreshTokenSync(tag string) string
}

// ReauthTransport retries a token-bearing request once after a 401, with the
// token segment of the path swapped for a freshly issued one.
type ReauthTransport struct {
	base http.RoundTripper
	auth Reauthenticator
}

func NewReauthTransport(base http.RoundTripper, auth Reauthenticator) *ReauthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ReauthTransport{base: base, auth: auth}
}

func (t *ReauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if strings.HasPrefix(req.URL.Path, "/check/") {
		return resp, nil
	}

	old := t.auth.Token()
	if old == "" || !strings.Contains(req.URL.Path, "/"+old) {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	fresh := t.auth.RefreshTokenSync("reauth")
	if fresh == "" || fresh == old {
		logger.Log.Warn("Re-authentication failed, keeping 401", zap.String("path", req.URL.Path))
		return resp, nil
	}

	retry := req.Clone(req.Context())
	retry.URL.Path = strings.Replace(req.URL.Path, "/"+old, "/"+fresh, 1)
	retry.URL.RawPath = ""
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	logger.Log.Info("Retrying request with refreshed token", zap.String("method", req.Method))
	return t.base.RoundTrip(retry)
}
