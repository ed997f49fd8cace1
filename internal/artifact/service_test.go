package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdev/loom/internal/domain"
)

type fakeArtifactRepo struct {
	domain.ArtifactRepo
	maxVersion int
	created    []*domain.Artifact
}

func (f *fakeArtifactRepo) MaxVersion(context.Context, string, domain.ArtifactType) (int, error) {
	return f.maxVersion, nil
}

func (f *fakeArtifactRepo) Create(_ context.Context, a *domain.Artifact) error {
	f.created = append(f.created, a)
	return nil
}

type recordingSink struct {
	path string
	text string
}

func (s *recordingSink) Store(_ context.Context, path, text string) (string, error) {
	s.path, s.text = path, text
	return "file:///artifacts/" + path, nil
}

func TestCreate_AllocatesNextVersion(t *testing.T) {
	repo := &fakeArtifactRepo{maxVersion: 2}
	sink := &recordingSink{}
	svc := NewService(sink)

	a, err := svc.Create(context.Background(), domain.Repos{Artifacts: repo}, CreateInput{
		TenantID:      "tenant-1",
		TaskID:        "task-1",
		PipelineRunID: "run-1",
		StepRunID:     "step-1",
		Type:          domain.ArtifactAnalysisReport,
		Text:          "# Analysis",
		Metadata:      map[string]any{"model": "mock-model-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, a.Version)
	assert.Equal(t, domain.ArtifactDraft, a.Status)
	assert.Equal(t, "task-1/ANALYSIS_REPORT_v3", sink.path)
	assert.Equal(t, "# Analysis", sink.text)
	assert.Equal(t, "# Analysis", a.Content["text"])
	assert.Equal(t, "file:///artifacts/task-1/ANALYSIS_REPORT_v3", a.Content["url"])
	assert.Equal(t, map[string]any{"model": "mock-model-1"}, a.Content["metadata"])
	require.Len(t, repo.created, 1)
	assert.Same(t, a, repo.created[0])
}

func TestCreate_FirstVersionIsOne(t *testing.T) {
	repo := &fakeArtifactRepo{maxVersion: 0}
	svc := NewService(nil)

	a, err := svc.Create(context.Background(), domain.Repos{Artifacts: repo}, CreateInput{
		TaskID: "task-1",
		Type:   domain.ArtifactCodeFiles,
		Text:   "package main",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, "", a.Content["url"])
}

func TestFSSink_RoundTrip(t *testing.T) {
	sink := NewFSSink(t.TempDir())
	url, err := sink.Store(context.Background(), "task-1/USER_STORIES_v1", "## Stories")
	require.NoError(t, err)
	assert.Contains(t, url, "file://")
	assert.Contains(t, url, "task-1")
}
