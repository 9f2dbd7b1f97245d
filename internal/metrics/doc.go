/*
Package metrics provides Prometheus-based metrics collection for COWFS
operation handling, the read cache, and active connections, alongside
an HTTP server exposing /metrics, /health, and a couple of
human-readable /debug endpoints.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "cowfs",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording operations

	start := time.Now()
	data, err := handler.Read(ctx, fh, offset, length)
	collector.RecordOperation("read", time.Since(start), int64(len(data)), err == nil)

# Cache metrics

	collector.RecordCacheHit(digest, size)
	collector.RecordCacheMiss(digest, size)

Set Config.CacheSizeFunc to a func() int64 (e.g. (*store.Store).CacheSize)
and the collector polls it every UpdateInterval instead of requiring
every cache call site to report size by hand.

# Prometheus metrics exported

Counters:
  - cowfs_operations_total{operation,status}
  - cowfs_cache_requests_total{type,source}
  - cowfs_errors_total{operation,type}

Histograms:
  - cowfs_operation_duration_seconds{operation}
  - cowfs_operation_size_bytes{operation}

Gauges:
  - cowfs_cache_size_bytes{level}
  - cowfs_active_connections

# HTTP endpoints

/metrics serves Prometheus-formatted metrics. /health returns a small
JSON liveness document. /debug/metrics and /debug/operations return a
human-readable summary and table of recorded operations, useful when
troubleshooting without a Prometheus scraper attached.

# See also

internal/health for component health checking, internal/circuit for
the breaker guarding the object store's blob writes, and pkg/errors for the
structured error type errors get classified into before being counted.
*/
package metrics
