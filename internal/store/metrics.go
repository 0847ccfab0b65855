package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/s11ngh/supermemory-selfhosted/internal/store")

var (
	// OperationsTotal counts store operations.
	// Labels: backend, operation, result (ok, not_found, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks store operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// PoolConnections reports connection pool state.
	// Labels: state (acquired, idle, total, max)
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "store",
			Name:      "pool_connections",
			Help:      "Storage connection pool state",
		},
		[]string{"state"},
	)

	// PoolAcquireTimeouts counts acquisitions that gave up waiting.
	PoolAcquireTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "store",
			Name:      "pool_acquire_timeouts_total",
			Help:      "Connection acquisitions that exceeded the acquire timeout",
		},
	)
)

// observe starts a span and returns a function that ends it and records
// the operation outcome.
func observe(ctx context.Context, backend, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("store.backend", backend))...),
	)
	start := time.Now()

	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
		OperationsTotal.WithLabelValues(backend, op, resultLabel(err)).Inc()

		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// recordPoolStat publishes pgxpool statistics.
func recordPoolStat(stat *pgxpool.Stat) {
	PoolConnections.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
	PoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	PoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
	PoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
}
