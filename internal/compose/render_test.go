package compose

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/halverson/stackdrift/internal/domain"
	"github.com/halverson/stackdrift/internal/secret"
)

func testRenderer(t *testing.T) (*Renderer, secret.StaticKeyProvider) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	provider := secret.StaticKeyProvider{ID: id}
	resolver := secret.NewResolver(provider, slog.Default())
	return NewRenderer(resolver, t.TempDir(), slog.Default()), provider
}

func testStack(name string) domain.Stack {
	return domain.Stack{
		StackRef: domain.StackRef{ScopeKind: domain.ScopeHost, ScopeName: "edge-1", StackName: name},
	}
}

const basicCompose = `services:
  web:
    image: nginx:${TAG:-1.27}
    ports:
      - "80:80"
  db:
    image: postgres:16
    container_name: myproj-database
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD}
`

func TestRenderDeclarationOrder(t *testing.T) {
	r, _ := testRenderer(t)
	set, err := r.Render(context.Background(), testStack("myproj"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(basicCompose)},
		{RelPath: ".env", Content: []byte("DB_PASSWORD=hunter2\n")},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if set.Project != "myproj" || set.RawName != "myproj" {
		t.Errorf("project = %q raw = %q", set.Project, set.RawName)
	}
	if set.Source != domain.SourceEnhanced {
		t.Errorf("source = %q", set.Source)
	}
	if len(set.Services) != 2 || set.Services[0].Name != "web" || set.Services[1].Name != "db" {
		t.Fatalf("services out of order: %+v", set.Services)
	}
	if set.Services[0].Image != "nginx:1.27" {
		t.Errorf("default interpolation failed: %q", set.Services[0].Image)
	}
	if set.Services[1].Environment["POSTGRES_PASSWORD"] != "hunter2" {
		t.Errorf("root env interpolation failed: %q", set.Services[1].Environment["POSTGRES_PASSWORD"])
	}
	if set.Services[1].ContainerName != "myproj-database" {
		t.Errorf("container_name = %q", set.Services[1].ContainerName)
	}
	for _, svc := range set.Services {
		if svc.ConfigHash == "" {
			t.Errorf("service %s missing config hash", svc.Name)
		}
	}
}

func TestRenderIdempotentHashes(t *testing.T) {
	r, _ := testRenderer(t)
	files := []File{
		{RelPath: "docker-compose.yml", Content: []byte(basicCompose)},
		{RelPath: ".env", Content: []byte("DB_PASSWORD=hunter2\nTAG=1.28\n")},
	}
	first, err := r.Render(context.Background(), testStack("myproj"), files)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := r.Render(context.Background(), testStack("myproj"), files)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for i := range first.Services {
		if first.Services[i].ConfigHash != second.Services[i].ConfigHash {
			t.Fatalf("service %s hash unstable", first.Services[i].Name)
		}
	}
}

func TestRenderEnvFilePrecedence(t *testing.T) {
	r, _ := testRenderer(t)
	doc := `services:
  app:
    image: app:1
    environment:
      MODE: from-environment
    env_file:
      - app.env
`
	set, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(doc)},
		{RelPath: "app.env", Content: []byte("MODE=from-env-file\nEXTRA=1\n")},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	env := set.Services[0].Environment
	if env["MODE"] != "from-env-file" {
		t.Errorf("env_file must win over environment, got %q", env["MODE"])
	}
	if env["EXTRA"] != "1" {
		t.Errorf("env_file vars missing: %v", env)
	}
}

func TestRenderMissingVariableWarns(t *testing.T) {
	r, _ := testRenderer(t)
	doc := "services:\n  app:\n    image: app:1\n    environment:\n      TOKEN: ${NOT_SET}\n"
	set, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(doc)},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if set.Services[0].Environment["TOKEN"] != "" {
		t.Errorf("missing var must become empty, got %q", set.Services[0].Environment["TOKEN"])
	}
	if len(set.Warnings) == 0 || !strings.Contains(set.Warnings[0], "NOT_SET") {
		t.Fatalf("expected warning naming NOT_SET, got %v", set.Warnings)
	}
}

func TestRenderResidualCiphertextFails(t *testing.T) {
	r, _ := testRenderer(t)
	doc := "services:\n  app:\n    image: \"ENC[AES256_GCM,data:bogus]\"\n"
	_, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(doc)},
		{RelPath: "README.md", Content: []byte("plain\n")},
	})
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RenderError for residual ciphertext, got %v", err)
	}
}

func TestRenderEncryptedEnvFile(t *testing.T) {
	r, provider := testRenderer(t)
	enc, err := secret.EncryptDotenv(provider, []byte("DB_PASSWORD=s3cret\n"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	doc := "services:\n  db:\n    image: postgres:16\n    env_file:\n      - secrets.env\n"
	set, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(doc)},
		{RelPath: "secrets.env", Content: enc},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if set.Services[0].Environment["DB_PASSWORD"] != "s3cret" {
		t.Fatal("encrypted env_file not resolved")
	}
}

func TestRenderNoComposeFile(t *testing.T) {
	r, _ := testRenderer(t)
	_, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: ".env", Content: []byte("A=1\n")},
	})
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RenderError, got %v", err)
	}
}

func TestRenderEnvFileEscapeRejected(t *testing.T) {
	r, _ := testRenderer(t)
	doc := "services:\n  app:\n    image: app:1\n    env_file:\n      - ../../other/.env\n"
	_, err := r.Render(context.Background(), testStack("s"), []File{
		{RelPath: "docker-compose.yml", Content: []byte(doc)},
	})
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("want RenderError for escaping env_file, got %v", err)
	}
}
