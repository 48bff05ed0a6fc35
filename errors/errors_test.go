package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotFound, "viewport run lookup")
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrIllegalTransition))
	assert.Contains(t, err.Error(), "viewport run lookup")
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("other")))
	assert.True(t, IsNotFoundError(Wrapf(ErrNotFound, "schedule %s", "sch_1")))
}

func TestDetailsSurvive(t *testing.T) {
	err := New("dispatch failed")
	err = WithDetail(err, "uuid: abc")
	err = Wrap(err, "tick")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "uuid: abc", details[0])
}
