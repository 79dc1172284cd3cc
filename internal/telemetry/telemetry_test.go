package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/Aidin1998/bookfeed/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, ServiceName: "bookfeed-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "apply-snapshot")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "apply-snapshot")
	assert.Contains(t, buf.String(), "bookfeed-test")

	// a second shutdown has nothing left to flush
	assert.NoError(t, shutdown(context.Background()))
}
