// Package otel provides the metrics side of observability. When disabled,
// all instruments are no-ops with zero overhead.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	// MeterName is the instrumentation scope name for sniptail metrics.
	MeterName = "sniptail"
	// Version is the version reported in telemetry.
	Version = "v0.1-dev"
)

// Config holds metrics configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects where metrics go: "stdout" or "none".
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"serviceName"`
	// IntervalSeconds is the export interval; defaults to 60.
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// Provider wraps a meter provider with cleanup.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up metrics with the given config. Returns a Provider that must
// be Shutdown() on exit. If cfg.Enabled is false, returns a no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "sniptail"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("sniptail.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
		))
	case "none":
		// Instruments record into an unread provider.
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, none)", cfg.Exporter)
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
