package opentelemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
	"github.com/dangbb/pqexec-agent/pkg/log"
)

const (
	tracerName      = "github.com/dangbb/pqexec-agent"
	userAgent       = "pqexec-agent"
	shutdownTimeout = 5 * time.Second
)

// Controller turns captured calls into client spans.
type Controller struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewController exports spans over OTLP/gRPC to endpoint. A plain http
// scheme, or no scheme at all, selects an insecure connection.
func NewController(ctx context.Context, endpoint, serviceName string) (*Controller, error) {
	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(host),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent)),
	}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create otlp trace exporter")
	}

	log.Logger.V(0).Info("exporting spans", "endpoint", host, "insecure", insecure)
	return newController(serviceName, sdktrace.NewBatchSpanProcessor(exporter)), nil
}

// NewControllerWithProcessor sends spans to sp instead of an OTLP exporter.
func NewControllerWithProcessor(serviceName string, sp sdktrace.SpanProcessor) *Controller {
	return newController(serviceName, sp)
}

func newController(serviceName string, sp sdktrace.SpanProcessor) *Controller {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	)

	return &Controller{
		tracerProvider: tp,
		tracer:         tp.Tracer(tracerName),
	}
}

func parseEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, errors.New("otlp endpoint must not be empty")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, errors.Wrapf(err, "parse otlp endpoint %q", endpoint)
	}
	if u.Host == "" {
		return "", false, errors.Errorf("otlp endpoint %q has no host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

func (c *Controller) Name() string {
	return "otlp"
}

// Write records e as a finished span starting at the capture time.
func (c *Controller) Write(e *events.Event) error {
	_, span := c.tracer.Start(context.Background(), e.Symbol,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBStatementKey.String(e.Argument),
			semconv.ProcessPIDKey.Int(int(e.PID)),
		),
	)
	span.End(trace.WithTimestamp(e.Time))
	return nil
}

// Close flushes buffered spans.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Wrap(c.tracerProvider.Shutdown(ctx), "shutdown tracer provider")
}
