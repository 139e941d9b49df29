package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	noopLogger
	errorCalls int
	lastMsg    string
}

func (c *captureLogger) Error(msg string, _ ...Field) {
	c.errorCalls++
	c.lastMsg = msg
}

func TestAggregateErrorsEmptyBatch(t *testing.T) {
	require.NoError(t, AggregateErrors("sweep", nil))
	require.NoError(t, AggregateErrors("sweep", []error{nil, nil}))
}

func TestAggregateErrorsJoinsFailures(t *testing.T) {
	capture := &captureLogger{}
	SetLogger(capture)
	t.Cleanup(func() { SetLogger(noopLogger{}) })

	first := errors.New("remove evt-1: locked")
	second := errors.New("remove evt-3: locked")
	err := AggregateErrors("promote confirmed scans", []error{first, nil, second})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	require.Contains(t, err.Error(), "2 of 3 items failed")
	require.Equal(t, 1, capture.errorCalls, "batch failures must log once, not per item")
}
