package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, password string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, func() (string, error) { return password, nil })
	root.SetArgs(args)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestLoginStoresToken(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "prompted" {
			t.Errorf("expected prompted password, got %q", body["password"])
		}
		_, _ = w.Write([]byte(`{"outcome":"dashboard","redirect":"/dashboard","session":{"access_token":"tok-1"}}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "prompted", "login", "--email", "amy@example.com", "--api", srv.URL)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "login successful") {
		t.Fatalf("unexpected output %q", out)
	}
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.AccessToken != "tok-1" {
		t.Fatalf("token not stored: %+v", cfg)
	}
}

func TestLoginWithoutMembershipKeepsConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outcome":"signup_required","redirect":"/signup"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "", "login", "--email", "amy@example.com", "--password", "pw", "--api", srv.URL)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "no active membership") {
		t.Fatalf("unexpected output %q", out)
	}
	cfg, _ := loadConfig()
	if cfg.AccessToken != "" {
		t.Fatalf("expected no token, got %+v", cfg)
	}
}

func TestAskRequiresLogin(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := runCLI(t, "", "ask", "how", "to", "price")
	if err == nil || !strings.Contains(err.Error(), "please login first") {
		t.Fatalf("expected login error, got %v", err)
	}
}

func TestAskUsesStoredToken(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-2" {
			t.Errorf("unexpected authorization %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["question"] != "how to price" {
			t.Errorf("unexpected question %q", body["question"])
		}
		_, _ = w.Write([]byte(`{"ok":true,"data":{"formatted":"Quick Win: list it","usage":1,"quota":50}}`))
	}))
	defer srv.Close()
	if err := saveConfig(cliConfig{APIBaseURL: srv.URL, AccessToken: "tok-2"}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	out, err := runCLI(t, "", "ask", "how", "to", "price")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(out, "Quick Win: list it") || !strings.Contains(out, "1 of 50") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestBidSendsFeeOnlyWhenSet(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	var seen []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen = append(seen, body)
		_, _ = w.Write([]byte(`{"all_in_cost":25.3,"suggested_low":30.36,"suggested_high":32.89}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "", "bid", "--lot", "2000", "--shipping", "200", "--items", "100", "--api", srv.URL)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if !strings.Contains(out, "$30.36 - $32.89") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := runCLI(t, "", "bid", "--lot", "2000", "--items", "100", "--fee", "10", "--api", srv.URL); err != nil {
		t.Fatalf("bid with fee: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected two requests, got %d", len(seen))
	}
	if _, ok := seen[0]["platform_fee_percent"]; ok {
		t.Fatalf("fee should be omitted by default: %v", seen[0])
	}
	if seen[1]["platform_fee_percent"] != float64(10) {
		t.Fatalf("expected fee 10, got %v", seen[1])
	}
}

func TestBidRequiresLotAndItems(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if _, err := runCLI(t, "", "bid", "--shipping", "10"); err == nil {
		t.Fatal("expected missing flag error")
	}
}
