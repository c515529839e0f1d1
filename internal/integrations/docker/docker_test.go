package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/registry"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/integrations/workspace"
)

type fakeImages struct {
	builtDir string
	builtTag string
	version  string
	pushed   []string
	buildErr error
}

func (f *fakeImages) BuildImage(_ context.Context, dir, tag string, args map[string]*string, onOutput OutputCallback) (string, error) {
	if f.buildErr != nil {
		return "", f.buildErr
	}
	f.builtDir = dir
	f.builtTag = tag
	if v := args["VERSION"]; v != nil {
		f.version = *v
	}
	onOutput("Step 1/2 : FROM scratch")
	return "sha256:feed", nil
}

func (f *fakeImages) PushImage(_ context.Context, tag string, _ registry.AuthConfig, _ OutputCallback) error {
	f.pushed = append(f.pushed, tag)
	return nil
}

func newTestBuilder(t *testing.T, images ImageBuilder, registryHost string) (*ServiceBuilder, *workspace.Manager, *[]string) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	var cloned []string
	clone := func(_ context.Context, repoURL, dest string) error {
		cloned = append(cloned, repoURL)
		return os.MkdirAll(filepath.Join(dest, "svc"), 0o755)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServiceBuilder(images, ws, clone, registryHost, logger), ws, &cloned
}

func TestServiceBuilderBuildsAndPushes(t *testing.T) {
	images := &fakeImages{}
	b, ws, cloned := newTestBuilder(t, images, "registry.example.com/")
	app := domain.Application{Name: "Payments", RepoURL: "git@example.com:acme/payments.git", ContextDir: "svc"}

	artifact, err := b.Build(context.Background(), app, "1.2.0")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if artifact.Image != "registry.example.com/payments:1.2.0" || artifact.ImageID != "sha256:feed" || artifact.Application != "Payments" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if len(*cloned) != 1 || (*cloned)[0] != app.RepoURL {
		t.Fatalf("unexpected clones %v", *cloned)
	}
	if !strings.HasPrefix(images.builtDir, ws.Root()) || filepath.Base(images.builtDir) != "svc" {
		t.Fatalf("unexpected build dir %s", images.builtDir)
	}
	if images.version != "1.2.0" {
		t.Fatalf("expected VERSION build arg, got %q", images.version)
	}
	if len(images.pushed) != 1 || images.pushed[0] != artifact.Image {
		t.Fatalf("expected push of %s, got %v", artifact.Image, images.pushed)
	}
	if _, err := os.Stat(filepath.Dir(images.builtDir)); !os.IsNotExist(err) {
		t.Fatalf("build workspace should be removed, stat err=%v", err)
	}
}

func TestServiceBuilderWithoutRegistrySkipsPush(t *testing.T) {
	images := &fakeImages{}
	b, _, _ := newTestBuilder(t, images, "")
	artifact, err := b.Build(context.Background(), domain.Application{Name: "web", RepoURL: "https://example.com/web.git"}, "2.0.0")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if artifact.Image != "web:2.0.0" {
		t.Fatalf("unexpected image %s", artifact.Image)
	}
	if len(images.pushed) != 0 {
		t.Fatalf("unexpected push %v", images.pushed)
	}
}

func TestServiceBuilderErrors(t *testing.T) {
	b, _, _ := newTestBuilder(t, &fakeImages{}, "")
	if _, err := b.Build(context.Background(), domain.Application{Name: "web"}, "1.0.0"); err == nil {
		t.Fatal("expected error for missing repository url")
	}

	boom := errors.New("daemon unavailable")
	b, _, _ = newTestBuilder(t, &fakeImages{buildErr: boom}, "")
	_, err := b.Build(context.Background(), domain.Application{Name: "web", RepoURL: "https://example.com/web.git"}, "1.0.0")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped build error, got %v", err)
	}
}

func TestConsumeStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/3 : FROM alpine\n"}`,
		`{"status":"Pushing","id":"abc","progress":"[==>  ]"}`,
		`{"aux":{"ID":"sha256:1234"}}`,
	}, "\n")
	var lines []string
	id, err := consumeStream(strings.NewReader(stream), func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if id != "sha256:1234" {
		t.Fatalf("unexpected id %s", id)
	}
	if len(lines) != 2 || lines[0] != "Step 1/3 : FROM alpine" || lines[1] != "abc Pushing [==>  ]" {
		t.Fatalf("unexpected lines %q", lines)
	}

	_, err = consumeStream(strings.NewReader(`{"errorDetail":{"message":"no space left"}}`), nil)
	if err == nil || err.Error() != "no space left" {
		t.Fatalf("expected daemon error, got %v", err)
	}
}
