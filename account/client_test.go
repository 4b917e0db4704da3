package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestAuthorizeURL(t *testing.T) {
	c := NewClient("https://account.example/", nil)
	raw := c.AuthorizeURL("tok", "https://shop.example", "https://shop.example/connect/callback")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "account.example" || u.Path != "/plugin/connect" {
		t.Fatalf("unexpected authorize url: %s", raw)
	}
	if u.Query().Get("session_token") != "tok" || u.Query().Get("callback_url") != "https://shop.example/connect/callback" {
		t.Fatalf("unexpected query: %s", u.RawQuery)
	}
}

func TestExchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if r.URL.Path != "/api/plugin/exchange" || in["session_token"] != "tok" || in["code"] != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad exchange"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Credentials{LicenseKey: "gw_lic", Secret: "gw_secret", Email: "a@b.c", Plan: "pro"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	creds, err := c.Exchange(context.Background(), "tok", "abc")
	if err != nil {
		t.Fatalf("Exchange error: %v", err)
	}
	if creds.LicenseKey != "gw_lic" || creds.Secret != "gw_secret" || creds.Plan != "pro" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	_, err = c.Exchange(context.Background(), "tok", "wrong")
	httpErr, ok := err.(httpError)
	if !ok || httpErr.Status != http.StatusBadRequest || httpErr.Body != "bad exchange" {
		t.Fatalf("expected httpError 400, got %v", err)
	}
}

func TestExchangeIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"license_key":"gw_lic"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Exchange(context.Background(), "tok", "abc")
	if err != ErrIncompleteCredentials {
		t.Fatalf("expected ErrIncompleteCredentials, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		got = in["license_key"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, nil).Deactivate(context.Background(), "gw_lic"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}
	if got != "gw_lic" {
		t.Fatalf("license key not sent, got %q", got)
	}
}
