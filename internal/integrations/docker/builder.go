package docker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/registry"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/integrations/workspace"
)

// ImageBuilder is the subset of Client the service builder needs.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput OutputCallback) (string, error)
	PushImage(ctx context.Context, tag string, auth registry.AuthConfig, onOutput OutputCallback) error
}

// CloneFunc fetches repoURL into dest.
type CloneFunc func(ctx context.Context, repoURL, dest string) error

// ServiceBuilder clones an application repository and builds its image.
type ServiceBuilder struct {
	images    ImageBuilder
	workspace *workspace.Manager
	clone     CloneFunc
	registry  string
	auth      registry.AuthConfig
	logger    *slog.Logger
}

// NewServiceBuilder wires a builder. An empty registry builds local images without pushing.
func NewServiceBuilder(images ImageBuilder, ws *workspace.Manager, clone CloneFunc, registryHost string, logger *slog.Logger) *ServiceBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceBuilder{
		images:    images,
		workspace: ws,
		clone:     clone,
		registry:  strings.TrimRight(strings.TrimSpace(registryHost), "/"),
		logger:    logger,
	}
}

// ImageTag names the image of app at version.
func (b *ServiceBuilder) ImageTag(app, version string) string {
	name := strings.ToLower(workspace.Sanitize(app))
	tag := workspace.Sanitize(version)
	if b.registry == "" {
		return name + ":" + tag
	}
	return b.registry + "/" + name + ":" + tag
}

// Build produces the artifact for app at version.
func (b *ServiceBuilder) Build(ctx context.Context, app domain.Application, version string) (domain.Artifact, error) {
	if strings.TrimSpace(app.RepoURL) == "" {
		return domain.Artifact{}, fmt.Errorf("application %s has no repository url", app.Name)
	}
	dir, err := b.workspace.Prepare("build-" + app.Name + "-" + version)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer func() {
		if err := b.workspace.Cleanup(dir); err != nil {
			b.logger.Warn("failed to cleanup build workspace", "dir", dir, "error", err)
		}
	}()

	if err := b.clone(ctx, app.RepoURL, dir); err != nil {
		return domain.Artifact{}, fmt.Errorf("clone %s: %w", app.Name, err)
	}
	contextDir := dir
	if app.ContextDir != "" {
		contextDir = filepath.Join(dir, filepath.Clean("/" + app.ContextDir))
	}

	tag := b.ImageTag(app.Name, version)
	logLine := func(line string) {
		b.logger.Debug("image build output", "application", app.Name, "line", line)
	}
	buildArgs := map[string]*string{"VERSION": &version}
	imageID, err := b.images.BuildImage(ctx, contextDir, tag, buildArgs, logLine)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("build %s: %w", app.Name, err)
	}
	if b.registry != "" {
		if err := b.images.PushImage(ctx, tag, b.auth, logLine); err != nil {
			return domain.Artifact{}, fmt.Errorf("push %s: %w", app.Name, err)
		}
	}
	b.logger.Info("service image built", "application", app.Name, "image", tag, "image_id", imageID)
	return domain.Artifact{Application: app.Name, Image: tag, ImageID: imageID}, nil
}
