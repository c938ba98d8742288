/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"context"
	"sync"

	"github.com/couchbase/fastcouch-go/common/memdproto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BuildVersion is overridden at link time by release builds.
var BuildVersion = "dev"

type ClientMetrics struct {
	CommandsSent      metric.Int64Counter
	CommandsRetried   metric.Int64Counter
	CommandsCompleted metric.Int64Counter
	NewConnections    metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	Disconnects       metric.Int64Counter
	ReconnectAttempts metric.Int64Counter
	TopologyUpdates   metric.Int64Counter
}

var (
	clientMetrics     *ClientMetrics
	clientMetricsLock sync.Mutex
)

func GetClientMetrics() *ClientMetrics {
	clientMetricsLock.Lock()

	if clientMetrics != nil {
		clientMetricsLock.Unlock()
		return clientMetrics
	}

	clientMetrics = newClientMetrics()

	clientMetricsLock.Unlock()
	return clientMetrics
}

func newClientMetrics() *ClientMetrics {
	meter := otel.Meter(
		"com.couchbase.fastcouch",
		metric.WithInstrumentationVersion(BuildVersion))

	commandsSent, _ := meter.Int64Counter("kv_commands_sent_total")
	commandsRetried, _ := meter.Int64Counter("kv_commands_retried_total")
	commandsCompleted, _ := meter.Int64Counter("kv_commands_completed_total")
	newConnections, _ := meter.Int64Counter("kv_connections_total")
	activeConnections, _ := meter.Int64UpDownCounter("kv_connections")
	disconnects, _ := meter.Int64Counter("kv_disconnects_total")
	reconnectAttempts, _ := meter.Int64Counter("kv_reconnect_attempts_total")
	topologyUpdates, _ := meter.Int64Counter("topology_updates_total")

	return &ClientMetrics{
		CommandsSent:      commandsSent,
		CommandsRetried:   commandsRetried,
		CommandsCompleted: commandsCompleted,
		NewConnections:    newConnections,
		ActiveConnections: activeConnections,
		Disconnects:       disconnects,
		ReconnectAttempts: reconnectAttempts,
		TopologyUpdates:   topologyUpdates,
	}
}

// RecordCompletion counts a finished command against its opcode and status.
func (m *ClientMetrics) RecordCompletion(opcode string, status memdproto.Status) {
	m.CommandsCompleted.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("opcode", opcode),
			attribute.String("status", status.String())))
}

func (m *ClientMetrics) RecordServerEvent(counter metric.Int64Counter, serverID string) {
	counter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("server", serverID)))
}
