package skills_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waaall/opencode-agent/internal/skills"
)

func newRouter(threshold float64) *skills.Router {
	return skills.NewRouter(skills.NewRegistry(), threshold)
}

func TestRouterManualOverride(t *testing.T) {
	skill, reason, err := newRouter(0.45).Select("whatever", []string{"foo.txt"}, "ppt")

	require.NoError(t, err)
	assert.Equal(t, "ppt", skill.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterManualOverrideUnknownCode(t *testing.T) {
	_, _, err := newRouter(0.45).Select("whatever", nil, "translator")

	require.ErrorIs(t, err, skills.ErrUnknownSkill)
	assert.EqualError(t, err, "unknown skill_code: translator")
}

func TestRouterAutoDataAnalysis(t *testing.T) {
	skill, reason, err := newRouter(0.45).
		Select("analyze the uploaded csv dataset and produce a report", []string{"sales.csv"}, "")

	require.NoError(t, err)
	assert.Equal(t, "data-analysis", skill.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterDataAnalysisByFileTypeAlone(t *testing.T) {
	skill, reason, err := newRouter(0.45).Select("please handle this file", []string{"raw.csv"}, "")

	require.NoError(t, err)
	assert.Equal(t, "data-analysis", skill.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterPptByFileTypeAlone(t *testing.T) {
	skill, reason, err := newRouter(0.45).Select("turn these notes into a deck", []string{"deck.pptx"}, "")

	require.NoError(t, err)
	assert.Equal(t, "ppt", skill.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterImageOnlyFallsBack(t *testing.T) {
	skill, reason, err := newRouter(0.45).Select("handle it", []string{"image.png"}, "")

	require.NoError(t, err)
	assert.Equal(t, "general-default", skill.Descriptor().Code)
	assert.NotEmpty(t, reason)
}

func TestRouterFallbackWhenScoresLow(t *testing.T) {
	skill, reason, err := newRouter(0.95).Select("just process it", []string{"misc.bin"}, "")

	require.NoError(t, err)
	assert.Equal(t, "general-default", skill.Descriptor().Code)
	assert.Equal(t, "max score 0.15 below threshold 0.95", reason)
}

func TestRegistryDescriptorsKeepRegistrationOrder(t *testing.T) {
	descriptors := skills.NewRegistry().Descriptors()

	require.Len(t, descriptors, 3)
	codes := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		codes = append(codes, d.Code)
	}
	assert.Equal(t, []string{"general-default", "data-analysis", "ppt"}, codes)
}
