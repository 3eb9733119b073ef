package connectors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/butlerhq/butlers/pkg/envelope"
	"github.com/butlerhq/butlers/pkg/errclass"
)

// maxEmailBody bounds how much of a message body becomes normalized text.
const maxEmailBody = 64 << 10

// EmailConfig configures one maildir email connector instance.
type EmailConfig struct {
	// Maildir is the maildir root; the local delivery agent writes inbound
	// messages to its new/ subdirectory.
	Maildir string
	// Endpoint is the monitored mailbox address, e.g. "butler@example.com".
	Endpoint string
	// PollInterval defaults to 30s.
	PollInterval time.Duration
}

// EmailConnector polls a maildir and submits each inbound message as an
// ingest.v1 envelope. Moving a message from new/ to cur/ is the durable
// acceptance marker; messages still in new/ after a crash are resubmitted
// and deduped by Message-ID.
type EmailConnector struct {
	cfg     EmailConfig
	emitter *Emitter
	logger  *slog.Logger
}

// NewEmailConnector wires the connector.
func NewEmailConnector(cfg EmailConfig, emitter *Emitter, logger *slog.Logger) *EmailConnector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &EmailConnector{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("connector", "email", "endpoint", cfg.Endpoint),
	}
}

// Name implements Connector.
func (e *EmailConnector) Name() string { return "email" }

// Channel implements Connector.
func (e *EmailConnector) Channel() string { return "email" }

// EndpointIdentity implements Connector.
func (e *EmailConnector) EndpointIdentity() string { return e.cfg.Endpoint }

// Run polls until ctx ends.
func (e *EmailConnector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := e.sweep(ctx); err != nil {
			e.logger.Error("maildir sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sweep processes every message currently in new/, oldest filename first.
// Maildir filenames start with a delivery timestamp, so name order is
// arrival order.
func (e *EmailConnector) sweep(ctx context.Context) error {
	newDir := filepath.Join(e.cfg.Maildir, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return fmt.Errorf("failed to read maildir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.processMessage(ctx, name); err != nil {
			// Transport errors stop the sweep; the next tick retries from
			// the same message.
			return err
		}
	}
	return nil
}

func (e *EmailConnector) processMessage(ctx context.Context, name string) error {
	path := filepath.Join(e.cfg.Maildir, "new", name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open message %s: %w", name, err)
	}
	env, err := emailIngest(e.cfg.Endpoint, name, f)
	f.Close()
	if err != nil {
		// Unparseable mail never becomes parseable: archive it and move on.
		e.logger.Warn("skipping unparseable message", "file", name, "error", err)
		return e.archive(name)
	}

	_, err = e.emitter.Submit(ctx, env, name)
	if err != nil && errclass.ClassOf(err) != errclass.Validation {
		return err
	}
	if err != nil {
		e.logger.Warn("message rejected by switchboard", "file", name, "error", err)
	}
	return e.archive(name)
}

// archive moves a processed message from new/ to cur/ with the maildir
// seen flag.
func (e *EmailConnector) archive(name string) error {
	src := filepath.Join(e.cfg.Maildir, "new", name)
	dst := filepath.Join(e.cfg.Maildir, "cur", name+":2,S")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cur dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to archive message %s: %w", name, err)
	}
	return nil
}

// emailIngest normalizes one RFC 5322 message into ingest.v1.
func emailIngest(endpoint, filename string, r io.Reader) (*envelope.Ingest, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	from := msg.Header.Get("From")
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	if from == "" {
		return nil, fmt.Errorf("message has no From header")
	}

	eventID := strings.Trim(msg.Header.Get("Message-Id"), "<>")
	if eventID == "" {
		eventID = filename
	}
	threadID := emailThreadID(msg.Header, eventID)

	observed := time.Now().UTC()
	if d, err := msg.Header.Date(); err == nil {
		observed = d.UTC()
	}

	body, err := emailTextBody(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if subject := msg.Header.Get("Subject"); subject != "" {
		text = "Subject: " + subject + "\n\n" + text
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("message has no text content")
	}

	return &envelope.Ingest{
		SchemaVersion: envelope.SchemaIngestV1,
		Source: envelope.IngestSource{
			Channel:          "email",
			Provider:         "maildir",
			EndpointIdentity: endpoint,
		},
		Event: envelope.IngestEvent{
			ExternalEventID:  eventID,
			ExternalThreadID: threadID,
			ObservedAt:       observed,
		},
		Sender:  envelope.IngestSender{Identity: from},
		Payload: envelope.IngestPayload{Raw: body, NormalizedText: text},
	}, nil
}

// emailThreadID picks the conversation root: the first References entry,
// else In-Reply-To, else the message's own id.
func emailThreadID(header mail.Header, selfID string) string {
	if refs := strings.Fields(header.Get("References")); len(refs) > 0 {
		return strings.Trim(refs[0], "<>")
	}
	if irt := strings.TrimSpace(header.Get("In-Reply-To")); irt != "" {
		return strings.Trim(irt, "<>")
	}
	return selfID
}

// emailTextBody extracts readable text: the text/plain part of a multipart
// message, or the whole body otherwise.
func emailTextBody(contentType string, body io.Reader) (string, error) {
	limited := io.LimitReader(body, maxEmailBody)
	if contentType == "" {
		return readAll(limited)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return readAll(limited)
	}
	mr := multipart.NewReader(limited, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", fmt.Errorf("multipart message has no text/plain part")
		}
		if err != nil {
			return "", fmt.Errorf("failed to read multipart body: %w", err)
		}
		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if partType == "text/plain" || partType == "" {
			return readAll(part)
		}
	}
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	return string(data), nil
}
