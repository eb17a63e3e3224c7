// Package metrics defines the typed event taxonomy fed by the hub (spec
// §4.9) and records it through the OpenTelemetry metrics API. Export and
// scraping are out of scope (spec §1) — callers supply a metric.Meter,
// which may be a real SDK meter or otel/metric/noop.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is the sum type of metric-worthy occurrences in the hub.
type Event string

const (
	WSConnected            Event = "ws_connected"
	WSClosed               Event = "ws_closed"
	WSInvalidFrame         Event = "ws_invalid_frame"
	WSInvalidSize          Event = "ws_invalid_size"
	WSAckSent              Event = "ws_ack_sent"
	WSAckRejected          Event = "ws_ack_rejected"
	WSHeartbeatTerminate    Event = "ws_heartbeat_terminate"
	WSOverloaded           Event = "ws_overloaded"
	WSFrameSent            Event = "ws_frame_sent"
	WSSendError            Event = "ws_send_error"
	WSReplayStart          Event = "ws_replay_start"
	WSReplayBatchSent      Event = "ws_replay_batch_sent"
	WSReplayBackpressure   Event = "ws_replay_backpressure_hits"
	WSReplayComplete       Event = "ws_replay_complete"
	WSResumeTokenRotated   Event = "ws_resume_token_rotated"
	WSPingLatency          Event = "ws_ping_latency"
)

// anonAccount/anonDevice are the placeholder labels unknown/empty
// identifiers collapse to, to bound label cardinality (spec §4.9).
const (
	anonAccount = "acct"
	anonDevice  = "device"
)

// Fields carries the event-specific labels/values for a single record.
type Fields struct {
	AccountID string
	DeviceID  string
	Code      int
	Reason    string
	Status    string
	LatencyMs float64
	Batches   int
	Count     int
}

func label(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}

// Recorder records hub events into OTel instruments.
type Recorder struct {
	connects           metric.Int64Counter
	closes             metric.Int64Counter
	invalidFrames      metric.Int64Counter
	invalidSizes       metric.Int64Counter
	acksSent           metric.Int64Counter
	overloads          metric.Int64Counter
	framesSent         metric.Int64Counter
	sendErrors         metric.Int64Counter
	heartbeatTerminate metric.Int64Counter
	replayBatches      metric.Int64Counter
	replayBackpressure metric.Int64Counter
	replayComplete     metric.Int64Counter
	tokenRotations     metric.Int64Counter
	pingLatency        metric.Float64Histogram
	ackLatency         metric.Float64Histogram
}

// New builds a Recorder on top of the given Meter. Pass
// noop.NewMeterProvider().Meter("...") in tests or when no exporter is
// configured.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.connects, err = meter.Int64Counter("hub.connects"); err != nil {
		return nil, err
	}
	if r.closes, err = meter.Int64Counter("hub.closes"); err != nil {
		return nil, err
	}
	if r.invalidFrames, err = meter.Int64Counter("hub.invalid_frames"); err != nil {
		return nil, err
	}
	if r.invalidSizes, err = meter.Int64Counter("hub.invalid_sizes"); err != nil {
		return nil, err
	}
	if r.acksSent, err = meter.Int64Counter("hub.acks"); err != nil {
		return nil, err
	}
	if r.overloads, err = meter.Int64Counter("hub.overloads"); err != nil {
		return nil, err
	}
	if r.framesSent, err = meter.Int64Counter("hub.frames_sent"); err != nil {
		return nil, err
	}
	if r.sendErrors, err = meter.Int64Counter("hub.send_errors"); err != nil {
		return nil, err
	}
	if r.heartbeatTerminate, err = meter.Int64Counter("hub.heartbeat_terminations"); err != nil {
		return nil, err
	}
	if r.replayBatches, err = meter.Int64Counter("hub.replay_batches"); err != nil {
		return nil, err
	}
	if r.replayBackpressure, err = meter.Int64Counter("hub.replay_backpressure_hits"); err != nil {
		return nil, err
	}
	if r.replayComplete, err = meter.Int64Counter("hub.replay_complete"); err != nil {
		return nil, err
	}
	if r.tokenRotations, err = meter.Int64Counter("hub.resume_token_rotations"); err != nil {
		return nil, err
	}
	if r.pingLatency, err = meter.Float64Histogram("hub.ping_latency_ms"); err != nil {
		return nil, err
	}
	if r.ackLatency, err = meter.Float64Histogram("hub.ack_latency_ms"); err != nil {
		return nil, err
	}

	return r, nil
}

// Record dispatches one event into the appropriate instrument.
func (r *Recorder) Record(ctx context.Context, ev Event, f Fields) {
	if r == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("account", label(f.AccountID, anonAccount)),
		attribute.String("device", label(f.DeviceID, anonDevice)),
	}
	set := metric.WithAttributes(attrs...)

	switch ev {
	case WSConnected:
		r.connects.Add(ctx, 1, set)
	case WSClosed:
		r.closes.Add(ctx, 1, metric.WithAttributes(append(attrs,
			attribute.Int("code", f.Code),
			attribute.String("reason", f.Reason))...))
	case WSInvalidFrame:
		r.invalidFrames.Add(ctx, 1, set)
	case WSInvalidSize:
		r.invalidSizes.Add(ctx, 1, set)
	case WSAckSent, WSAckRejected:
		status := "accepted"
		if ev == WSAckRejected {
			status = "rejected"
		}
		r.acksSent.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("status", status))...))
	case WSOverloaded:
		r.overloads.Add(ctx, 1, set)
	case WSFrameSent:
		r.framesSent.Add(ctx, 1, set)
	case WSSendError:
		r.sendErrors.Add(ctx, 1, set)
	case WSHeartbeatTerminate:
		r.heartbeatTerminate.Add(ctx, 1, set)
	case WSReplayStart:
		// no dedicated counter; batches/complete below carry the lifecycle.
	case WSReplayBatchSent:
		r.replayBatches.Add(ctx, 1, set)
	case WSReplayBackpressure:
		r.replayBackpressure.Add(ctx, int64(f.Count), set)
	case WSReplayComplete:
		r.replayComplete.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Int("batches", f.Batches))...))
	case WSResumeTokenRotated:
		r.tokenRotations.Add(ctx, 1, set)
	case WSPingLatency:
		r.pingLatency.Record(ctx, f.LatencyMs, set)
	}
}

// RecordAckLatency is split out since it's keyed on duration, not a
// discrete event. Record does not observe ack latency for WSAckSent;
// only this method feeds the ack-latency histogram.
func (r *Recorder) RecordAckLatency(ctx context.Context, accountID, deviceID string, latencyMs float64) {
	if r == nil {
		return
	}
	r.ackLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("account", label(accountID, anonAccount)),
		attribute.String("device", label(deviceID, anonDevice)),
	))
}
