package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/room4-2/whisper-bridge/bridgeerr"
)

// Signaler trades a local SDP offer for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, token, offer string) (string, error)
}

// HTTPSignaler posts the offer to the realtime endpoint.
type HTTPSignaler struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSignaler targets baseURL with the model query parameter set.
func NewHTTPSignaler(baseURL, model string, timeout time.Duration) (*HTTPSignaler, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPSignaler{endpoint: u.String(), client: &http.Client{Timeout: timeout}}, nil
}

// Exchange sends offer and returns the answer SDP.
func (s *HTTPSignaler) Exchange(ctx context.Context, token, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", bridgeerr.Handshake("create offer request", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", bridgeerr.Handshake("offer request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return "", bridgeerr.Handshake("read answer", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", bridgeerr.Handshake(
			fmt.Sprintf("speech service returned %d", resp.StatusCode),
			errors.New(truncate(strings.TrimSpace(string(body)), 200)),
		)
	}

	answer := string(body)
	if !strings.HasPrefix(strings.TrimLeft(answer, " \r\n\t"), "v=") {
		return "", bridgeerr.Handshake("malformed answer", errors.New("body is not an SDP description"))
	}
	return answer, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
