package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/butlerhq/butlers/pkg/errclass"
)

//go:embed schemas
var schemaFS embed.FS

var (
	ingestSchema *jsonschema.Schema
	notifySchema *jsonschema.Schema
)

func init() {
	ingestSchema = mustCompile("schemas/ingest.v1.json")
	notifySchema = mustCompile("schemas/notify.v1.json")
}

func mustCompile(path string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("embedded schema missing: %s: %v", path, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(path, bytes.NewReader(data)); err != nil {
		panic(fmt.Sprintf("invalid embedded schema %s: %v", path, err))
	}
	return c.MustCompile(path)
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errclass.Wrap(errclass.Validation, err, "payload is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return errclass.Wrap(errclass.Validation, err, "payload failed schema validation")
	}
	return nil
}

// ParseIngest validates raw bytes against the ingest.v1 schema and decodes
// them. Unknown schema versions are rejected with validation_error.
func ParseIngest(raw []byte) (*Ingest, error) {
	if err := validateAgainst(ingestSchema, raw); err != nil {
		return nil, err
	}
	var env Ingest
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed ingest envelope")
	}
	if env.SchemaVersion != SchemaIngestV1 {
		return nil, errclass.New(errclass.Validation, "unsupported schema version %q", env.SchemaVersion)
	}
	return &env, nil
}

// ParseNotify validates raw bytes against the notify.v1 schema and decodes
// them, including intent-specific field requirements.
func ParseNotify(raw []byte) (*Notify, error) {
	if err := validateAgainst(notifySchema, raw); err != nil {
		return nil, err
	}
	var env Notify
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errclass.Wrap(errclass.Validation, err, "malformed notify envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate enforces the notify.v1 field contract beyond what the JSON schema
// can express (intent-conditional requirements).
func (n *Notify) Validate() error {
	if n.SchemaVersion != SchemaNotifyV1 {
		return errclass.New(errclass.Validation, "unsupported schema version %q", n.SchemaVersion)
	}
	if n.OriginButler == "" {
		return errclass.New(errclass.Validation, "origin_butler is required")
	}
	d := n.Delivery
	if d.Channel == "" {
		return errclass.New(errclass.Validation, "delivery.channel is required")
	}
	switch d.Intent {
	case IntentSend:
		if d.Message == "" {
			return errclass.New(errclass.Validation, "delivery.message is required for send")
		}
	case IntentReply:
		if d.Message == "" {
			return errclass.New(errclass.Validation, "delivery.message is required for reply")
		}
		rc := n.RequestContext
		if rc == nil || rc.RequestID == "" || rc.SourceChannel == "" ||
			rc.SourceEndpointIdentity == "" || rc.SourceSenderIdentity == "" {
			return errclass.New(errclass.Validation, "reply requires request_context with request_id, source_channel, source_endpoint_identity and source_sender_identity")
		}
		if threadTargeted(rc.SourceChannel) && rc.SourceThreadIdentity == "" {
			return errclass.New(errclass.Validation, "reply on %s requires source_thread_identity", rc.SourceChannel)
		}
	case IntentReact:
		if d.Emoji == "" {
			return errclass.New(errclass.Validation, "delivery.emoji is required for react")
		}
		if d.Channel != "telegram" {
			return errclass.New(errclass.Validation, "react is only supported on telegram")
		}
		if n.RequestContext == nil || n.RequestContext.SourceThreadIdentity == "" {
			return errclass.New(errclass.Validation, "react requires request_context.source_thread_identity")
		}
	default:
		return errclass.New(errclass.Validation, "unknown delivery intent %q", d.Intent)
	}
	return nil
}

// threadTargeted reports whether replies on the channel address a thread
// rather than a bare recipient.
func threadTargeted(channel string) bool {
	switch channel {
	case "telegram", "slack":
		return true
	default:
		return false
	}
}

// ValidateRoute enforces the route.v1 envelope contract and the caller's
// contract version window.
func ValidateRoute(r *Route, contractMin, contractMax int) error {
	if r.SchemaVersion != SchemaRouteV1 {
		return errclass.New(errclass.Validation, "unsupported schema version %q", r.SchemaVersion)
	}
	if RouteContractVersion < contractMin || RouteContractVersion > contractMax {
		return errclass.New(errclass.Validation,
			"route contract %d outside supported range [%d, %d]",
			RouteContractVersion, contractMin, contractMax)
	}
	if r.RequestContext.RequestID == "" {
		return errclass.New(errclass.Validation, "request_context.request_id is required")
	}
	if r.Input.Prompt == "" {
		if _, ok := r.Input.Context["notify_request"]; !ok {
			return errclass.New(errclass.Validation, "input.prompt is required")
		}
	}
	return nil
}

// ValidateRouteResponse checks a downstream response envelope against the
// request it answers. Mismatched request ids, unknown schema versions and
// missing required fields all fail as validation_error.
func ValidateRouteResponse(resp *RouteResponse, requestID string) error {
	if resp.SchemaVersion != SchemaRouteResponseV1 {
		return errclass.New(errclass.Validation, "unsupported response schema version %q", resp.SchemaVersion)
	}
	if resp.RequestContext.RequestID != requestID {
		return errclass.New(errclass.Validation,
			"response request_id %q does not match request %q",
			resp.RequestContext.RequestID, requestID)
	}
	switch resp.Status {
	case "ok":
		return nil
	case "error":
		if resp.Error == nil {
			return errclass.New(errclass.Validation, "error response missing error detail")
		}
		return nil
	default:
		return errclass.New(errclass.Validation, "unknown response status %q", resp.Status)
	}
}
