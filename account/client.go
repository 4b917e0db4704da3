// Package account implements the site side of the Gen Wave account
// connection: the editor is sent to the account service with a one-time
// session token, comes back with a code, and the code is exchanged for the
// site's license key and shared secret.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrIncompleteCredentials = errors.New("account: exchange returned incomplete credentials")

// Credentials are returned once per successful exchange.
type Credentials struct {
	LicenseKey string `json:"license_key"`
	Secret     string `json:"secret"`
	Email      string `json:"email"`
	Plan       string `json:"plan"`
}

type httpError struct {
	Status int
	Body   string
}

func (e httpError) Error() string { return fmt.Sprintf("account http %d: %s", e.Status, e.Body) }

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}
}

// AuthorizeURL is where the editor's browser is sent to approve the site.
func (c *Client) AuthorizeURL(sessionToken, siteURL, callbackURL string) string {
	q := url.Values{}
	q.Set("session_token", sessionToken)
	q.Set("site_url", siteURL)
	q.Set("callback_url", callbackURL)
	return c.baseURL + "/plugin/connect?" + q.Encode()
}

// Exchange trades the session token and the callback code for credentials.
func (c *Client) Exchange(ctx context.Context, sessionToken, code string) (*Credentials, error) {
	var creds Credentials
	err := c.postJSON(ctx, "/api/plugin/exchange", map[string]string{
		"session_token": sessionToken,
		"code":          code,
	}, &creds)
	if err != nil {
		return nil, err
	}
	if creds.LicenseKey == "" || creds.Secret == "" {
		return nil, ErrIncompleteCredentials
	}
	return &creds, nil
}

// Deactivate releases the license seat held by this site.
func (c *Client) Deactivate(ctx context.Context, licenseKey string) error {
	return c.postJSON(ctx, "/api/plugin/deactivate", map[string]string{
		"license_key": licenseKey,
	}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&msg)
		return httpError{Status: res.StatusCode, Body: msg.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
