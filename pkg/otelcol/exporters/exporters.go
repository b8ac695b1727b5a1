package exporters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stakeledger/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

const dialTimeout = 10 * time.Second

// New builds the OTLP span exporter named by OTEL.PROTOCOL.
func New(cfg *config.Config) (*otlptrace.Exporter, error) {
	client, err := Client(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return otlptrace.New(ctx, client)
}

func Client(cfg *config.Config) (otlptrace.Client, error) {
	o := cfg.Otel
	switch strings.ToLower(o.Protocol) {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Addr),
			otlptracegrpc.WithCompressor("gzip"),
			otlptracegrpc.WithTimeout(dialTimeout),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(o.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(o.Headers))
		}
		return otlptracegrpc.NewClient(opts...), nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(o.Addr),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithTimeout(dialTimeout),
		}
		if o.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(o.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
		}
		return otlptracehttp.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported otel protocol %q", o.Protocol)
	}
}
