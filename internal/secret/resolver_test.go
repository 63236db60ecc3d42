package secret

import (
	"errors"
	"log/slog"
	"testing"
)

func TestResolvePassthrough(t *testing.T) {
	r := NewResolver(testProvider(t), slog.Default())
	plain := []byte("services:\n  web:\n    image: nginx\n")
	got, err := r.Resolve("docker-compose.yml", plain)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatal("unencrypted content must pass through unchanged")
	}
}

func TestResolveEncryptedDotenv(t *testing.T) {
	provider := testProvider(t)
	enc, err := EncryptDotenv(provider, []byte("DB_PASSWORD=s3cret\n"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	r := NewResolver(provider, slog.Default())
	vars, err := r.ResolveEnv(".env", enc)
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}
	if vars["DB_PASSWORD"] != "s3cret" {
		t.Fatalf("got %q", vars["DB_PASSWORD"])
	}
}

func TestResolveEncryptedYAML(t *testing.T) {
	provider := testProvider(t)
	plain := []byte("services:\n  db:\n    image: postgres:16\n")
	enc, err := EncryptYAML(provider, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	r := NewResolver(provider, slog.Default())
	got, err := r.Resolve("stack/compose.yaml", enc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatal("yaml round trip through resolver failed")
	}
}

func TestResolveErrorCarriesPath(t *testing.T) {
	provider := testProvider(t)
	enc, err := EncryptDotenv(provider, []byte("TOKEN=abc\n"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	other := NewResolver(testProvider(t), slog.Default())
	_, err = other.Resolve("prod/.env", enc)
	var derr *DecryptionError
	if !errors.As(err, &derr) {
		t.Fatalf("want DecryptionError, got %v", err)
	}
	if derr.Path != "prod/.env" {
		t.Fatalf("path not attached: %q", derr.Path)
	}
}
