package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusIsError(t *testing.T) {
	tests := []struct {
		status  JobStatus
		isError bool
	}{
		{ToBeExecuted, false},
		{Success, false},
		{Empty, false},
		{Unresolvable, true},
		{ResolutionError, true},
		{Denylisted, true},
		{Error, true},
		{SerializationError, true},
		{Cancelled, true},
		{InternalError, true},
		{CrawlerError, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.isError, tt.status.IsError(), "status %s", tt.status)
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, ToBeExecuted.IsTerminal())
	assert.True(t, Success.IsTerminal())
	assert.True(t, Cancelled.IsTerminal())
}

func TestJobStatusValid(t *testing.T) {
	assert.True(t, ToBeExecuted.Valid())
	assert.True(t, Success.Valid())
	assert.False(t, JobStatus("NOT_A_STATUS").Valid())
}

func TestAllTerminalStatusesExcludesToBeExecuted(t *testing.T) {
	for _, s := range AllTerminalStatuses {
		assert.NotEqual(t, ToBeExecuted, s)
	}
	assert.Len(t, AllTerminalStatuses, 10)
}
