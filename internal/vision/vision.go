// Package vision describes what a camera sees by sending a snapshot to
// the DeepSeek vision model.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/boluohome/xingli/internal/deepseek"
	"github.com/boluohome/xingli/internal/prompts"
)

// maxTokens caps the length of a scene description.
const maxTokens = 300

// Camera fetches a still image. [homeassistant.Client] satisfies it.
type Camera interface {
	CameraSnapshot(ctx context.Context, entityID string) ([]byte, string, error)
}

// Model runs a multimodal completion. [deepseek.Client] satisfies it.
type Model interface {
	CompleteMessages(ctx context.Context, req deepseek.Request) (*deepseek.Completion, error)
}

// Analyzer turns camera entities into scene descriptions.
type Analyzer struct {
	camera Camera
	model  Model
	name   string
	logger *slog.Logger
}

// New creates an analyzer that uses the named vision model.
func New(camera Camera, model Model, modelName string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{camera: camera, model: model, name: modelName, logger: logger.With("component", "vision")}
}

// Describe captures a frame from entityID and returns the model's
// description of it.
func (a *Analyzer) Describe(ctx context.Context, entityID string) (string, error) {
	img, contentType, err := a.camera.CameraSnapshot(ctx, entityID)
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", entityID, err)
	}
	if len(img) == 0 {
		return "", fmt.Errorf("capture %s: empty image", entityID)
	}

	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img)
	resp, err := a.model.CompleteMessages(ctx, deepseek.Request{
		Model:     a.name,
		MaxTokens: maxTokens,
		Purpose:   deepseek.PurposeVision,
		Messages: []deepseek.Message{{
			Role: "user",
			Content: []deepseek.ContentPart{
				deepseek.TextPart(prompts.ScenePrompt()),
				deepseek.ImagePart(dataURL),
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("analyze %s: %w", entityID, err)
	}

	desc := strings.TrimSpace(resp.Text)
	if desc == "" {
		return "", errors.New("analyze " + entityID + ": empty description")
	}
	a.logger.Debug("scene described", "entity_id", entityID, "bytes", len(img), "description", desc)
	return desc, nil
}
