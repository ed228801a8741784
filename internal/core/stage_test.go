package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrderIsFixed(t *testing.T) {
	stages := AllStages()
	require.Len(t, stages, 6)
	assert.Equal(t, StageExploration, FirstStage())
	assert.Equal(t, StageReview, FinalStage())

	for i, s := range stages {
		assert.Equal(t, i, StageOrder(s))
	}
	assert.Equal(t, -1, StageOrder("deploy"))
}

func TestNextAndPrevStage(t *testing.T) {
	assert.Equal(t, StageOpportunity, NextStage(StageExploration))
	assert.Equal(t, StageReview, NextStage(StagePrioritization))
	assert.Equal(t, Stage(""), NextStage(StageReview))
	assert.Equal(t, Stage(""), NextStage("bogus"))

	assert.Equal(t, Stage(""), PrevStage(StageExploration))
	assert.Equal(t, StagePrioritization, PrevStage(StageReview))
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("validation")
	require.NoError(t, err)
	assert.Equal(t, StageValidation, s)

	_, err = ParseStage("shipping")
	assert.Error(t, err)
}

func TestCanSendBack_OnlyToEarlierStages(t *testing.T) {
	assert.True(t, CanSendBack(StageValidation, StageExploration))
	assert.True(t, CanSendBack(StageReview, StagePrioritization))

	// Never to itself, forward, from the first stage, or to nowhere.
	assert.False(t, CanSendBack(StageValidation, StageValidation))
	assert.False(t, CanSendBack(StageOpportunity, StageFeasibility))
	assert.False(t, CanSendBack(StageExploration, StageExploration))
	assert.False(t, CanSendBack(StageValidation, "bogus"))
}
