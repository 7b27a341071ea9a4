package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStdoutStartSpanEnd(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewStdout(&buf)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()

	ctx, span := StartSpan(context.Background(), "compiler.compile")
	require.NotNil(t, ctx)
	var opErr error
	End(span, &opErr)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Contains(t, buf.String(), "compiler.compile")
}

func TestEndRecordsErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewStdout(&buf)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "lifecycle.transition")
	opErr := errors.New("boom")
	End(span, &opErr)

	require.NoError(t, p.Shutdown(context.Background()))
	require.Contains(t, buf.String(), "boom")
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	require.NoError(t, p.Shutdown(context.Background()))
}
