package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{Enabled: true, Writer: &buf}, "blockflow-test")
	require.NoError(t, err)

	ctx := context.Background()
	_, span := p.Tracer("workflow").Start(ctx, "workflow.block")
	span.End()

	require.NoError(t, p.Shutdown(ctx))
	assert.Contains(t, buf.String(), "workflow.block")
	assert.Contains(t, buf.String(), "blockflow-test")
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(Config{}, "blockflow-test")
	require.NoError(t, err)

	_, span := p.Tracer("workflow").Start(context.Background(), "ignored")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}
