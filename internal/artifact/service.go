// Package artifact creates versioned step outputs and mirrors their text
// content to a content sink.
package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/loomdev/loom/internal/domain"
)

// ContentSink stores raw artifact text outside the database and returns an
// addressable URL for it.
type ContentSink interface {
	Store(ctx context.Context, path, text string) (url string, err error)
}

// CreateInput describes one artifact to persist.
type CreateInput struct {
	TenantID      string
	TaskID        string
	PipelineRunID string
	StepRunID     string
	Type          domain.ArtifactType
	Text          string
	Metadata      map[string]any
}

// Service allocates artifact versions and writes content. Version
// allocation reads MAX(version) inside the caller's transaction, so the
// unique (task, type, version) constraint and SQLite's single writer keep
// concurrent creators from colliding.
type Service struct {
	sink ContentSink
}

// NewService creates a Service over the content sink. A nil sink skips
// content mirroring and leaves the url empty.
func NewService(sink ContentSink) *Service {
	return &Service{sink: sink}
}

// Create persists a new draft artifact at version max+1 for its
// (task, type) group. It must be called inside a unit of work; the repos
// argument carries that transaction.
func (s *Service) Create(ctx context.Context, repos domain.Repos, in CreateInput) (*domain.Artifact, error) {
	maxVersion, err := repos.Artifacts.MaxVersion(ctx, in.TaskID, in.Type)
	if err != nil {
		return nil, fmt.Errorf("allocate artifact version: %w", err)
	}
	version := maxVersion + 1

	url := ""
	if s.sink != nil {
		path := fmt.Sprintf("%s/%s_v%d", in.TaskID, in.Type, version)
		url, err = s.sink.Store(ctx, path, in.Text)
		if err != nil {
			return nil, fmt.Errorf("store artifact content: %w", err)
		}
	}

	now := time.Now().UTC()
	a := &domain.Artifact{
		ID:            domain.NewID(),
		TenantID:      in.TenantID,
		TaskID:        in.TaskID,
		PipelineRunID: in.PipelineRunID,
		StepRunID:     in.StepRunID,
		Type:          in.Type,
		Status:        domain.ArtifactDraft,
		Version:       version,
		Content: map[string]any{
			"text":     in.Text,
			"url":      url,
			"metadata": in.Metadata,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.Artifacts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return a, nil
}
