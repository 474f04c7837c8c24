// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

/*
Package metrics provides Prometheus instrumentation for Scribe Sync.

Metrics are registered with promauto on the default registry and exposed by
the local control API at /metrics:

	curl http://127.0.0.1:7787/metrics

# Available Metrics

Sync engine:
  - scribesync_sync_runs_total{result}
  - scribesync_sync_ops_total{type,result}
  - scribesync_sync_duration_seconds
  - scribesync_sync_last_success_timestamp
  - scribesync_queue_depth{status}
  - scribesync_upload_chunks_total{result}

Conflicts and storage:
  - scribesync_conflicts_open
  - scribesync_store_evictions_total{reason}
  - scribesync_store_encounters

Realtime stream and network:
  - scribesync_stream_state
  - scribesync_stream_messages_total{direction,type}
  - scribesync_stream_queue_dropped_total{reason}
  - scribesync_stream_reconnects_total
  - scribesync_network_online

Remote API:
  - scribesync_circuit_breaker_state{name}
  - scribesync_circuit_breaker_requests_total{name,result}
  - scribesync_api_request_duration_seconds{endpoint,status}

Record* helpers wrap the common update patterns so call sites stay short.
*/
package metrics
