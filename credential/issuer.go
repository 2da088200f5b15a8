// Package credential fetches the short-lived bearer credential used to open a
// speech session.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/room4-2/whisper-bridge/bridgeerr"
)

// Credential is an ephemeral bearer token. It lives only in memory and is
// owned by the session it was issued for.
type Credential struct {
	Value     string
	ExpiresAt time.Time // zero when the issuer did not report an expiry
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String redacts the token so a credential can be logged safely.
func (c Credential) String() string {
	if c.ExpiresAt.IsZero() {
		return "credential(redacted)"
	}
	return fmt.Sprintf("credential(redacted, expires %s)", c.ExpiresAt.UTC().Format(time.RFC3339))
}

// HTTPIssuer issues credentials with a GET against the session endpoint.
type HTTPIssuer struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewHTTPIssuer returns an issuer for url. timeout bounds each request.
func NewHTTPIssuer(url string, timeout time.Duration) *HTTPIssuer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPIssuer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

type issueResponse struct {
	ClientSecret *secret `json:"client_secret"`
	Value        string  `json:"value"`
	ExpiresAt    int64   `json:"expires_at"`
}

type secret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Issue requests a fresh credential. Every failure is a credential error.
func (i *HTTPIssuer) Issue(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url, nil)
	if err != nil {
		return Credential{}, bridgeerr.Credential("invalid credential endpoint", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Credential{}, err
		}
		return Credential{}, bridgeerr.Credential("credential request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Credential{}, bridgeerr.Credential("read credential response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, bridgeerr.Credential(
			fmt.Sprintf("credential endpoint returned %d", resp.StatusCode),
			errors.New(truncate(strings.TrimSpace(string(body)), 200)),
		)
	}

	var parsed issueResponse
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return Credential{}, bridgeerr.Credential("malformed credential response", err)
	}

	value, expires := parsed.Value, parsed.ExpiresAt
	if parsed.ClientSecret != nil {
		value, expires = parsed.ClientSecret.Value, parsed.ClientSecret.ExpiresAt
	}
	if value == "" {
		return Credential{}, bridgeerr.Credential("malformed credential response", errors.New("missing client_secret.value"))
	}

	cred := Credential{Value: value}
	if expires > 0 {
		cred.ExpiresAt = time.Unix(expires, 0)
	}
	if cred.Expired(i.now()) {
		return Credential{}, bridgeerr.Credential("issued credential already expired", nil)
	}
	return cred, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
