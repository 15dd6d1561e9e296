package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		wantErr     bool
		errContains string
	}{
		{name: "default", provider: "", wantErr: false},
		{name: "static", provider: "static", wantErr: false},
		{name: "memory alias", provider: "memory", wantErr: false},
		{name: "env", provider: "env", wantErr: false},
		{name: "unknown provider", provider: "k8s", wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				if store != nil {
					t.Fatalf("store should be nil when error occurs")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestNewStore_StaticAndPrefixedEnv(t *testing.T) {
	ctx := context.Background()
	t.Setenv("APM_LICENSE_KEY", "from-env")

	static, err := NewStore(Config{Provider: "static", Static: map[string]string{"license": "from-config"}})
	if err != nil {
		t.Fatalf("NewStore(static): %v", err)
	}
	env, err := NewStore(Config{Provider: "env", EnvPrefix: "APM_"})
	if err != nil {
		t.Fatalf("NewStore(env): %v", err)
	}

	if got, err := static.Get(ctx, "license"); err != nil || got != "from-config" {
		t.Fatalf("static Get = %q, %v", got, err)
	}
	if _, err := static.Get(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing static key")
	}
	if got, err := env.Get(ctx, "license_key"); err != nil || got != "from-env" {
		t.Fatalf("env Get = %q, %v", got, err)
	}
	if _, err := env.Get(ctx, "unset_key"); err == nil {
		t.Fatal("expected error for unset variable")
	}
}

func TestStaticStore_CopiesInput(t *testing.T) {
	values := map[string]string{"license": "a"}
	store := NewStaticStore(values)
	values["license"] = "b"
	got, err := store.Get(context.Background(), "license")
	if err != nil || got != "a" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	t.Setenv("APM_RESOLVE_TEST", "from-env")
	store := NewStaticStore(map[string]string{"license": " abc \n"})

	cases := map[string]string{
		"plain-key":            "plain-key",
		"env:APM_RESOLVE_TEST": "from-env",
		"vault:license":        "abc",
	}
	for ref, want := range cases {
		got, err := Resolve(ctx, store, ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", ref, got, want)
		}
	}

	if _, err := Resolve(ctx, nil, "vault:license"); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := Resolve(ctx, store, "vault:missing"); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if !IsRef("env:X") || IsRef("0123") {
		t.Fatal("IsRef mismatch")
	}
}

func newVaultServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/apm/license" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultStore_ReadsKVv2(t *testing.T) {
	srv := newVaultServer(t, `{"data":{"data":{"license_key":"0123456789012345678901234567890123456789"}}}`)

	store, err := NewStore(Config{Provider: "vault", Vault: VaultConfig{
		Address:         srv.URL,
		Token:           "root",
		PathPrefix:      "secret/data/apm",
		SkipHealthCheck: true,
	}})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, err := Resolve(context.Background(), store, "vault:license")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 40 {
		t.Fatalf("license = %q", got)
	}
	if _, err := store.Get(context.Background(), "other"); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestVaultStore_Field(t *testing.T) {
	srv := newVaultServer(t, `{"data":{"data":{"key":"k-value","owner":"ops"}}}`)
	cfg := VaultConfig{Address: srv.URL, Token: "root", PathPrefix: "secret/data/apm", SkipHealthCheck: true}

	// 多个字符串字段且未指定 field 时无法确定取值
	store, err := NewVaultStore(cfg)
	if err != nil {
		t.Fatalf("NewVaultStore: %v", err)
	}
	if _, err := store.Get(context.Background(), "license"); err == nil {
		t.Fatal("expected ambiguity error")
	}

	cfg.Field = "key"
	store, err = NewVaultStore(cfg)
	if err != nil {
		t.Fatalf("NewVaultStore: %v", err)
	}
	got, err := store.Get(context.Background(), "license")
	if err != nil || got != "k-value" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	cfg.Field = "absent"
	store, _ = NewVaultStore(cfg)
	if _, err := store.Get(context.Background(), "license"); err == nil {
		t.Fatal("expected error for absent field")
	}
}
