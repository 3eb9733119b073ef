// Package envelope defines the canonical wire envelopes exchanged between
// connectors, Switchboard, routed butlers and Messenger: ingest.v1,
// route.v1, route_response.v1, notify.v1 and notify_response.v1.
package envelope

import (
	"time"
)

// Schema version identifiers.
const (
	SchemaIngestV1         = "ingest.v1"
	SchemaRouteV1          = "route.v1"
	SchemaRouteResponseV1  = "route_response.v1"
	SchemaNotifyV1         = "notify.v1"
	SchemaNotifyResponseV1 = "notify_response.v1"
	SchemaHeartbeatV1      = "connector.heartbeat.v1"
)

// RouteContractVersion is the numeric contract revision of route.v1 as
// implemented by this codebase. Registry negotiation compares this against a
// target's advertised [min, max] range.
const RouteContractVersion = 1

// TraceContext carries W3C trace propagation headers.
type TraceContext struct {
	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`
}

// RequestContext is the immutable lineage record assigned by Switchboard and
// propagated through every hop of a routed request. RequestID is a UUIDv7 and
// never changes after assignment.
type RequestContext struct {
	RequestID              string        `json:"request_id"`
	ReceivedAt             time.Time     `json:"received_at"`
	SourceChannel          string        `json:"source_channel"`
	SourceEndpointIdentity string        `json:"source_endpoint_identity"`
	SourceSenderIdentity   string        `json:"source_sender_identity"`
	SourceThreadIdentity   string        `json:"source_thread_identity,omitempty"`
	SubrequestID           string        `json:"subrequest_id,omitempty"`
	SegmentID              string        `json:"segment_id,omitempty"`
	TraceContext           *TraceContext `json:"trace_context,omitempty"`
}

// WithSubrequest returns a copy carrying fresh subrequest/segment identifiers
// while preserving the root request identity.
func (rc RequestContext) WithSubrequest(subrequestID, segmentID string) RequestContext {
	out := rc
	out.SubrequestID = subrequestID
	out.SegmentID = segmentID
	return out
}

// Ingest is the canonical connector → Switchboard envelope (ingest.v1).
type Ingest struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control"`
}

// IngestSource identifies the channel endpoint the event arrived on.
type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// IngestEvent carries provider-side event identity.
type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// IngestSender identifies the message author.
type IngestSender struct {
	Identity string `json:"identity"`
}

// IngestPayload carries the raw provider payload and its normalized text.
type IngestPayload struct {
	Raw            string `json:"raw"`
	NormalizedText string `json:"normalized_text"`
}

// IngestControl carries optional caller-side controls.
type IngestControl struct {
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	TraceContext   *TraceContext `json:"trace_context,omitempty"`
	PolicyTier     string        `json:"policy_tier,omitempty"`
}

// Route is the Switchboard → target route.v1 envelope consumed by
// route.execute.
type Route struct {
	SchemaVersion  string         `json:"schema_version"`
	RequestContext RequestContext `json:"request_context"`
	Input          RouteInput     `json:"input"`
	SourceMetadata SourceMetadata `json:"source_metadata"`
}

// RouteInput carries the prompt plus optional structured context.
type RouteInput struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// SourceMetadata names the hop that produced this envelope.
type SourceMetadata struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
	ToolName string `json:"tool_name"`
}

// ErrorDetail is the error shape shared by response envelopes.
type ErrorDetail struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RouteResponse is the target → Switchboard route_response.v1 envelope.
type RouteResponse struct {
	SchemaVersion  string         `json:"schema_version"`
	RequestContext RequestContext `json:"request_context"`
	Status         string         `json:"status"` // "ok" | "error"
	Result         string         `json:"result,omitempty"`
	Error          *ErrorDetail   `json:"error,omitempty"`
	Timing         Timing         `json:"timing"`
}

// Timing reports execution duration.
type Timing struct {
	DurationMs int64 `json:"duration_ms"`
}

// DeliveryIntent enumerates notify.v1 intents.
const (
	IntentSend  = "send"
	IntentReply = "reply"
	IntentReact = "react"
)

// Notify is the notify.v1 delivery request. It travels inside
// route.v1 input.context.notify_request on the Switchboard → Messenger hop.
type Notify struct {
	SchemaVersion  string          `json:"schema_version"`
	OriginButler   string          `json:"origin_butler"`
	Delivery       NotifyDelivery  `json:"delivery"`
	RequestContext *RequestContext `json:"request_context,omitempty"`
}

// NotifyDelivery describes the requested outbound effect.
type NotifyDelivery struct {
	Intent    string `json:"intent"`
	Channel   string `json:"channel"`
	Message   string `json:"message,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// NotifyResponse is the notify_response.v1 envelope.
type NotifyResponse struct {
	SchemaVersion  string               `json:"schema_version"`
	RequestContext NotifyRequestContext `json:"request_context"`
	Status         string               `json:"status"`
	Delivery       NotifyResponseBody   `json:"delivery"`
	Error          *ErrorDetail         `json:"error,omitempty"`
}

// NotifyRequestContext echoes the request identity on notify responses.
type NotifyRequestContext struct {
	RequestID string `json:"request_id"`
}

// NotifyResponseBody reports the delivery outcome.
type NotifyResponseBody struct {
	Channel    string `json:"channel"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Heartbeat is the connector.heartbeat.v1 envelope connectors emit
// periodically to Switchboard.
type Heartbeat struct {
	SchemaVersion    string    `json:"schema_version"`
	Connector        string    `json:"connector"`
	Channel          string    `json:"channel"`
	EndpointIdentity string    `json:"endpoint_identity"`
	Cursor           string    `json:"cursor,omitempty"`
	EventsAccepted   int64     `json:"events_accepted"`
	EventsDeduped    int64     `json:"events_deduped"`
	SentAt           time.Time `json:"sent_at"`
}
