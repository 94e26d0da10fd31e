package metrics

import "tradepulse/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricExchangePayload records exchange payloads dropped because
	// they could not be decoded or normalized.
	DropMetricExchangePayload DropMetric = "exchange_payloads_dropped"
	// DropMetricBroadcast records broadcast deliveries dropped because a
	// subscriber transport failed mid-send.
	DropMetricBroadcast DropMetric = "broadcast_messages_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one so callers should invoke this helper
// for each dropped message. Optional metadata (exchange, channel, symbol, stage)
// is added to the metric fields when provided which enables downstream
// aggregation per source and stream type.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, channel, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if channel != "" {
		fields["channel"] = channel
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "message_drops", string(metric), 1, "counter", fields)
}
