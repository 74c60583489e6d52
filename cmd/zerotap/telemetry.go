package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/jhahn/go-zerotap/pkg/config"
	"github.com/jhahn/go-zerotap/pkg/events"
	"github.com/jhahn/go-zerotap/pkg/events/otelsink"
)

// newEventSink returns an OTLP exporting sink when an endpoint is
// configured, and nil otherwise. shutdown flushes pending records.
func newEventSink(ctx context.Context, cfg *config.Config) (sink events.Sink, shutdown func(context.Context) error, err error) {
	shutdown = func(context.Context) error { return nil }
	if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
		return nil, shutdown, nil
	}

	target, insecure, err := otlpTarget(cfg.OTLPEndpoint)
	if err != nil {
		return nil, shutdown, err
	}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure || cfg.OTLPInsecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	exp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		return nil, shutdown, fmt.Errorf("cannot create OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
	return otelsink.NewFromProvider(lp), lp.Shutdown, nil
}

// otlpTarget reduces an endpoint to the host:port dialed by gRPC. Endpoints
// without an https scheme are dialed without TLS.
func otlpTarget(endpoint string) (target string, insecure bool, err error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}
