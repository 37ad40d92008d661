package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAsBool(t *testing.T) {
	for _, raw := range []string{"true", "1", "YES", "y"} {
		b, ok := asBool(raw)
		if !ok || !b {
			t.Fatalf("expected %q to parse as true", raw)
		}
	}
	for _, raw := range []string{"false", "0", "No", "n"} {
		b, ok := asBool(raw)
		if !ok || b {
			t.Fatalf("expected %q to parse as false", raw)
		}
	}
	if _, ok := asBool("maybe"); ok {
		t.Fatalf("expected 'maybe' to fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("rootsense-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.BlobStoreBucket != "tree-images" {
		t.Fatalf("unexpected bucket default: %q", cfg.BlobStoreBucket)
	}
	if cfg.MaxImageBytes != 10<<20 {
		t.Fatalf("unexpected max image bytes: %d", cfg.MaxImageBytes)
	}
}

func TestLoadDerivesJWKSAndPublicBase(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("OIDC_ISSUER", "https://id.example.edu/")
	t.Setenv("OIDC_JWKS_URL", "")
	t.Setenv("BLOBSTORE_URL", "https://blobs.example.edu")
	t.Setenv("BLOBSTORE_PUBLIC_BASE_URL", "")

	cfg, _ := Load("rootsense-api", 8080)
	if cfg.OIDCJWKSURL != "https://id.example.edu/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url: %q", cfg.OIDCJWKSURL)
	}
	if cfg.BlobPublicBase != "https://blobs.example.edu/storage/v1/object/public" {
		t.Fatalf("unexpected public base: %q", cfg.BlobPublicBase)
	}
}
