// Package egress exposes the outbound delivery tool surface
// (user_<channel>_send/reply/react). The module registry strips these tools
// on every butler except Messenger, which keeps Messenger the sole outbound
// execution plane; on other butlers outbound intent travels as a notify.v1
// relay through Switchboard instead.
package egress

import (
	"context"
	"encoding/json"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
	"github.com/butlerhq/butlers/pkg/module"
)

// Notifier executes one notify.v1 request. On Messenger this is the local
// delivery engine; elsewhere the Switchboard relay.
type Notifier interface {
	Notify(ctx context.Context, n *envelope.Notify) (*envelope.NotifyResponse, error)
}

// ChannelModule is the egress tool surface for one channel.
type ChannelModule struct {
	channel  string
	butler   string
	notifier Notifier
	react    bool
}

// NewTelegramModule builds the telegram egress surface, including reactions.
func NewTelegramModule(butler string, notifier Notifier) *ChannelModule {
	return &ChannelModule{channel: "telegram", butler: butler, notifier: notifier, react: true}
}

// NewEmailModule builds the email egress surface.
func NewEmailModule(butler string, notifier Notifier) *ChannelModule {
	return &ChannelModule{channel: "email", butler: butler, notifier: notifier}
}

// Name implements module.Module.
func (m *ChannelModule) Name() string { return m.channel }

// Dependencies implements module.Module. Egress target resolution reads the
// contacts tables.
func (m *ChannelModule) Dependencies() []string { return []string{"contacts"} }

// Init implements module.Module.
func (m *ChannelModule) Init(ctx context.Context) error { return nil }

// Shutdown implements module.Module.
func (m *ChannelModule) Shutdown(ctx context.Context) error { return nil }

// Tools implements module.Module.
func (m *ChannelModule) Tools() []module.Tool {
	tools := []module.Tool{
		{
			Name:        "user_" + m.channel + "_send",
			Description: "Send a message to a person on " + m.channel,
			Handler:     m.intentTool(envelope.IntentSend),
		},
		{
			Name:        "user_" + m.channel + "_reply",
			Description: "Reply in the originating " + m.channel + " thread",
			Handler:     m.intentTool(envelope.IntentReply),
		},
	}
	if m.react {
		tools = append(tools, module.Tool{
			Name:        "user_" + m.channel + "_react",
			Description: "React with an emoji in the originating " + m.channel + " thread",
			Handler:     m.intentTool(envelope.IntentReact),
		})
	}
	return tools
}

// deliveryArgs is the shared argument shape for every egress tool.
type deliveryArgs struct {
	Message        string             `json:"message,omitempty"`
	Recipient      string             `json:"recipient,omitempty"`
	ContactID      string             `json:"contact_id,omitempty"`
	Subject        string             `json:"subject,omitempty"`
	Emoji          string             `json:"emoji,omitempty"`
	RequestContext *requestContextArg `json:"request_context,omitempty"`
}

// requestContextArg mirrors the lineage fields reply and react need.
type requestContextArg struct {
	RequestID              string `json:"request_id"`
	SourceChannel          string `json:"source_channel"`
	SourceEndpointIdentity string `json:"source_endpoint_identity"`
	SourceSenderIdentity   string `json:"source_sender_identity"`
	SourceThreadIdentity   string `json:"source_thread_identity,omitempty"`
}

func (m *ChannelModule) intentTool(intent string) module.Handler {
	return func(ctx context.Context, caller string, args json.RawMessage) (any, error) {
		var req deliveryArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errclass.Wrap(errclass.Validation, err, "malformed arguments")
		}

		origin := caller
		if origin == "" {
			origin = m.butler
		}
		notify := &envelope.Notify{
			SchemaVersion: envelope.SchemaNotifyV1,
			OriginButler:  origin,
			Delivery: envelope.NotifyDelivery{
				Intent:    intent,
				Channel:   m.channel,
				Message:   req.Message,
				Recipient: req.Recipient,
				ContactID: req.ContactID,
				Subject:   req.Subject,
				Emoji:     req.Emoji,
			},
		}
		if rc := req.RequestContext; rc != nil {
			notify.RequestContext = &envelope.RequestContext{
				RequestID:              rc.RequestID,
				SourceChannel:          rc.SourceChannel,
				SourceEndpointIdentity: rc.SourceEndpointIdentity,
				SourceSenderIdentity:   rc.SourceSenderIdentity,
				SourceThreadIdentity:   rc.SourceThreadIdentity,
			}
		}
		if err := notify.Validate(); err != nil {
			return nil, err
		}
		return m.notifier.Notify(ctx, notify)
	}
}
