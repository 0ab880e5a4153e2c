package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butler-registry/pkg/observability"
)

func TestSetupDisabled(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := observability.Setup(context.Background(),
		observability.Config{Enabled: false}, log)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := observability.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid(), "noop tracer emits no spans")
	span.End()
}
