package pipeline_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

func TestValidateTransition_ForwardPath(t *testing.T) {
	path := []pipeline.Status{
		pipeline.StatusUploading,
		pipeline.StatusUploaded,
		pipeline.StatusValidating,
		pipeline.StatusValidated,
		pipeline.StatusProcessing,
		pipeline.StatusProcessed,
		pipeline.StatusStoring,
		pipeline.StatusStored,
		pipeline.StatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.NoError(t, pipeline.ValidateTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestValidateTransition_RejectsNonSuccessors(t *testing.T) {
	tests := []struct {
		from, to pipeline.Status
	}{
		{pipeline.StatusUploading, pipeline.StatusValidating},
		{pipeline.StatusUploaded, pipeline.StatusProcessing},
		{pipeline.StatusValidated, pipeline.StatusValidating},
		{pipeline.StatusProcessed, pipeline.StatusUploaded},
		{pipeline.StatusStoring, pipeline.StatusCompleted},
		{pipeline.StatusValidating, pipeline.StatusUploading},
		{pipeline.StatusUploaded, pipeline.StatusUploaded},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := pipeline.ValidateTransition(tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, errors.Is(err, pipeline.ErrIllegalTransition))
		})
	}
}

func TestValidateTransition_FailedFromEveryNonTerminal(t *testing.T) {
	for _, s := range pipeline.AllStatuses {
		if s.IsTerminal() {
			continue
		}
		assert.NoError(t, pipeline.ValidateTransition(s, pipeline.StatusFailed), "%s -> FAILED", s)
		assert.NoError(t, pipeline.ValidateTransition(s, pipeline.StatusCancelled), "%s -> CANCELLED", s)
		assert.NoError(t, pipeline.ValidateTransition(s, pipeline.StatusExpired), "%s -> EXPIRED", s)
	}
}

func TestValidateTransition_TerminalStatesAreAbsorbing(t *testing.T) {
	terminals := []pipeline.Status{
		pipeline.StatusCompleted,
		pipeline.StatusFailed,
		pipeline.StatusValidationFailed,
		pipeline.StatusCancelled,
		pipeline.StatusExpired,
	}
	for _, from := range terminals {
		assert.True(t, from.IsTerminal())
		assert.Empty(t, from.Successors())
		for _, to := range pipeline.AllStatuses {
			assert.False(t, pipeline.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	err := pipeline.ValidateTransition(pipeline.Status("BOGUS"), pipeline.StatusFailed)
	assert.ErrorIs(t, err, pipeline.ErrIllegalTransition)
}

func TestStatus_Successors(t *testing.T) {
	next := pipeline.StatusValidating.Successors()
	assert.ElementsMatch(t, []pipeline.Status{
		pipeline.StatusValidated,
		pipeline.StatusValidationFailed,
		pipeline.StatusFailed,
		pipeline.StatusCancelled,
		pipeline.StatusExpired,
	}, next)
}

func TestStatus_Message(t *testing.T) {
	for _, s := range pipeline.AllStatuses {
		assert.NotEmpty(t, s.Message())
	}
}
