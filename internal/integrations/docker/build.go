package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// OutputCallback is invoked with incremental build or push messages.
type OutputCallback func(string)

// BuildImage creates an image from dir using its Dockerfile and returns the image ID.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput OutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	})
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	id, err := consumeStream(resp.Body, onOutput)
	if err != nil {
		return "", fmt.Errorf("docker image build: %w", err)
	}
	return id, nil
}

// PushImage publishes tag to its registry.
func (c *Client) PushImage(ctx context.Context, tag string, auth registry.AuthConfig, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	body, err := c.inner.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	defer body.Close()
	if _, err := consumeStream(body, onOutput); err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	return nil
}

// consumeStream decodes the daemon's JSON message stream, forwarding
// rendered lines and returning the image ID reported in aux messages.
func consumeStream(r io.Reader, onOutput OutputCallback) (string, error) {
	decoder := json.NewDecoder(r)
	var imageID string
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return imageID, nil
			}
			return "", fmt.Errorf("decode output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", errors.New(errMsg)
		}
		if id, ok := msg.Aux["ID"].(string); ok && id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type streamMessage struct {
	Stream      string         `json:"stream"`
	Status      string         `json:"status"`
	ID          string         `json:"id"`
	Progress    string         `json:"progress"`
	Error       string         `json:"error"`
	ErrorDetail errorDetail    `json:"errorDetail"`
	Aux         map[string]any `json:"aux"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m streamMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if line := strings.TrimSpace(m.Stream); line != "" {
		return line
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if progress := strings.TrimSpace(m.Progress); progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v", digest)
	}
	return ""
}
