package infrastructure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxMediaBytes caps a single attachment download.
const maxMediaBytes = 5 << 20

// MediaFetcher downloads attachments referenced by inbound messages.
// Twilio media URLs need the account credentials; other hosts (Telegram file URLs) carry their own token.
type MediaFetcher struct {
	accountSID string
	authToken  string
	http       *http.Client
}

func NewMediaFetcher(accountSID, authToken string, timeout time.Duration) *MediaFetcher {
	return &MediaFetcher{
		accountSID: accountSID,
		authToken:  authToken,
		http:       &http.Client{Timeout: timeout},
	}
}

// Fetch returns the attachment bytes and the Content-Type reported by the server.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, "", fmt.Errorf("invalid media url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	if f.accountSID != "" && isTwilioHost(u.Hostname()) {
		req.SetBasicAuth(f.accountSID, f.authToken)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media larger than %d bytes", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func isTwilioHost(host string) bool {
	host = strings.ToLower(host)
	return host == "twilio.com" || strings.HasSuffix(host, ".twilio.com")
}
