package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExposesMetrics(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	if tel.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}
	m, err := tel.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	m.Turns.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(string(body), "vistalk_relay_turns") {
		t.Errorf("exposition missing relay turns counter:\n%s", body)
	}
}

func TestTelemetry_ShutdownJoinsErrors(t *testing.T) {
	tel := &Telemetry{shutdownFuncs: []func(context.Context) error{
		func(context.Context) error { return io.ErrUnexpectedEOF },
		func(context.Context) error { return nil },
		func(context.Context) error { return io.ErrClosedPipe },
	}}
	err := tel.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	for _, want := range []string{io.ErrUnexpectedEOF.Error(), io.ErrClosedPipe.Error()} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
