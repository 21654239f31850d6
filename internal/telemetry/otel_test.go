package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitTracerWithBlankEndpointReturnsNoOpShutdown(t *testing.T) {
	tracer, shutdown := InitTracer(context.Background(), "test-service", "")
	require.NotNil(t, tracer)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitMetricsWithBlankEndpointReturnsNoOpShutdown(t *testing.T) {
	meter, shutdown := InitMetrics(context.Background(), "test-service", "")
	require.NotNil(t, meter)
	require.NoError(t, shutdown(context.Background()))
}

func TestShutdownCloseToleratesNilFuncs(t *testing.T) {
	s := Shutdown{}
	s.Close(context.Background()) // must not panic
}

func TestShutdownCloseCallsBothFuncs(t *testing.T) {
	var tracerCalled, meterCalled bool
	s := Shutdown{
		Tracer: func(context.Context) error { tracerCalled = true; return nil },
		Meter:  func(context.Context) error { meterCalled = true; return nil },
	}
	s.Close(context.Background())
	require.True(t, tracerCalled)
	require.True(t, meterCalled)
}

func TestShutdownCloseRespectsTimeout(t *testing.T) {
	s := Shutdown{
		Tracer: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	start := time.Now()
	s.Close(context.Background())
	require.Less(t, time.Since(start), 4*time.Second)
}
