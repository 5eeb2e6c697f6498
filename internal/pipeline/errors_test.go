package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsAndReason(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("complete_stage", ErrInvalidTransition, "task-1", StageCodeReview, "stage is pending", cause)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stage is pending", ReasonOf(err))
	assert.Equal(t, "complete_stage task=task-1 stage=code_review: stage is pending: boom", err.Error())

	wrapped := fmt.Errorf("http: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidTransition)
	assert.Equal(t, ErrInvalidTransition, KindOf(wrapped))
	assert.Equal(t, "stage is pending", ReasonOf(wrapped))
}

func TestReasonOf_PlainError(t *testing.T) {
	assert.Equal(t, "", ReasonOf(nil))
	assert.Equal(t, "plain", ReasonOf(errors.New("plain")))
	assert.Nil(t, KindOf(errors.New("plain")))
}

func TestBlob_RoundTripAndSchemaCheck(t *testing.T) {
	type payload struct {
		N int `json:"n"`
	}
	b, err := EncodeBlob("test.payload", 2, payload{N: 7})
	assert.NoError(t, err)

	var got payload
	assert.NoError(t, b.Decode("test.payload", 2, &got))
	assert.Equal(t, 7, got.N)

	assert.Error(t, b.Decode("other", 2, &got))
	assert.Error(t, b.Decode("test.payload", 1, &got))
	assert.True(t, Blob{}.IsZero())
	assert.False(t, b.IsZero())
}
