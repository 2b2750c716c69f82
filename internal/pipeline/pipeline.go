// Package pipeline orchestrates one chat turn: it assembles the provider
// request from stored state, relays the response (streamed or blocking),
// finalizes the annotated assistant message, and records usage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/assembler"
	"github.com/kalambet/loom/internal/citation"
	"github.com/kalambet/loom/internal/gemini"
	"github.com/kalambet/loom/internal/storage"
)

// Turn lifecycle states, in order. A turn that fails validation never
// leaves StateAssembling; a provider or client failure jumps to StateFailed.
type State string

const (
	StateAssembling State = "assembling"
	StateRequested  State = "requested"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// syntheticErrorText is stored as the assistant's reply when the provider
// fails mid-turn, so the conversation history keeps its shape.
const syntheticErrorText = "The assistant was unable to complete this response. Please try again."

// Store is the subset of conversation storage the pipeline needs.
type Store interface {
	GetConversation(id string) (storage.Conversation, error)
	RecentMessages(conversationID string, limit int) ([]storage.Message, error)
	ResourcesForConversation(conversationID string) ([]storage.Resource, error)
	SaveMessage(m storage.Message) error
	TouchConversation(id string) error
	SaveUsageRecord(r storage.UsageRecord) error
}

// Assembler builds the provider request from conversation state.
type Assembler interface {
	Assemble(conv storage.Conversation, history []storage.Message, resources []storage.Resource, content string) (gemini.Request, assembler.Meta, error)
}

// ChunkStream yields incremental provider output. *gemini.Stream satisfies it.
type ChunkStream interface {
	Recv() (gemini.Chunk, error)
	Close() error
}

// Provider is the generative backend.
type Provider interface {
	Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error)
	GenerateStream(ctx context.Context, req gemini.Request) (ChunkStream, error)
}

// Transport carries streamed output to the client. SendToken is called once
// per provider chunk, in order; the pipeline does not read the next chunk
// until the previous send returned.
type Transport interface {
	SendToken(text string) error
	SendDone(final storage.Message) error
	SendError(message string) error
}

type geminiProvider struct {
	client *gemini.Client
}

// NewGeminiProvider adapts a gemini.Client to the Provider interface.
func NewGeminiProvider(c *gemini.Client) Provider {
	return geminiProvider{client: c}
}

func (p geminiProvider) Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error) {
	return p.client.Generate(ctx, req)
}

func (p geminiProvider) GenerateStream(ctx context.Context, req gemini.Request) (ChunkStream, error) {
	return p.client.GenerateStream(ctx, req)
}

// Pipeline runs chat turns against a single provider and store.
type Pipeline struct {
	store        Store
	asm          Assembler
	provider     Provider
	logger       *slog.Logger
	historyLimit int
}

func New(store Store, asm Assembler, provider Provider, historyLimit int, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:        store,
		asm:          asm,
		provider:     provider,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// turn carries the state of one in-flight chat request.
type turn struct {
	conversationID string
	content        string
	meta           assembler.Meta
	model          string
	streamed       bool
	start          time.Time
	state          State
}

func (p *Pipeline) transition(t *turn, s State) {
	t.state = s
	p.logger.Debug("turn state", "conversation_id", t.conversationID, "state", string(s))
}

// prepare loads conversation state, assembles the provider request, and
// persists the incoming user message. Assembly runs against the history as
// it was before this message, so the in-flight text never appears twice.
// Nothing is persisted when validation fails.
func (p *Pipeline) prepare(t *turn) (gemini.Request, error) {
	p.transition(t, StateAssembling)

	conv, err := p.store.GetConversation(t.conversationID)
	if err != nil {
		return gemini.Request{}, fmt.Errorf("loading conversation: %w", err)
	}
	history, err := p.store.RecentMessages(t.conversationID, p.historyLimit)
	if err != nil {
		return gemini.Request{}, fmt.Errorf("loading history: %w", err)
	}
	resources, err := p.store.ResourcesForConversation(t.conversationID)
	if err != nil {
		return gemini.Request{}, fmt.Errorf("loading resources: %w", err)
	}

	req, meta, err := p.asm.Assemble(conv, history, resources, t.content)
	if err != nil {
		return gemini.Request{}, err
	}
	t.meta = meta
	t.model = req.Model

	if err := p.store.SaveMessage(storage.Message{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		Role:           storage.RoleUser,
		Content:        t.content,
		MetadataJSON:   resourceMetadata(resources, meta),
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return gemini.Request{}, fmt.Errorf("saving user message: %w", err)
	}

	return req, nil
}

// resourceMetadata describes the resources attached at the time the message
// was sent, so the stored transcript records what went into the request even
// if the turn later fails or attachments change.
func resourceMetadata(resources []storage.Resource, meta assembler.Meta) string {
	if len(resources) == 0 {
		return ""
	}
	ids := make([]string, len(resources))
	for i, r := range resources {
		ids[i] = r.ID
	}
	b, err := json.Marshal(struct {
		ResourceIDs []string `json:"resource_ids"`
		FileCount   int      `json:"file_count"`
		URLCount    int      `json:"url_count"`
	}{ids, meta.FileCount, meta.URLCount})
	if err != nil {
		return ""
	}
	return string(b)
}

// Run executes one streamed chat turn, relaying chunks to the transport as
// they arrive. The transport receives either SendDone or SendError, never
// both.
func (p *Pipeline) Run(ctx context.Context, conversationID, content string, transport Transport) error {
	t := &turn{
		conversationID: conversationID,
		content:        content,
		streamed:       true,
		start:          time.Now(),
	}

	req, err := p.prepare(t)
	if err != nil {
		return err
	}

	p.transition(t, StateRequested)
	stream, err := p.provider.GenerateStream(ctx, req)
	if err != nil {
		p.fail(ctx, t, err)
		transport.SendError("generation failed")
		return err
	}
	defer stream.Close()

	p.transition(t, StateStreaming)
	var text strings.Builder
	var final gemini.Chunk
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.fail(ctx, t, err)
			transport.SendError("generation failed")
			return err
		}

		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if err := transport.SendToken(chunk.Text); err != nil {
				p.fail(ctx, t, fmt.Errorf("sending to client: %w", err))
				return err
			}
		}
		if chunk.Final {
			final = chunk
		}
	}

	msg, err := p.finalize(t, text.String(), final.Grounding, final.Usage)
	if err != nil {
		p.failFinalize(t, final.Usage, err)
		transport.SendError("finalizing response failed")
		return err
	}
	return transport.SendDone(msg)
}

// RunOnce executes one blocking chat turn and returns the stored assistant
// message.
func (p *Pipeline) RunOnce(ctx context.Context, conversationID, content string) (storage.Message, error) {
	t := &turn{
		conversationID: conversationID,
		content:        content,
		start:          time.Now(),
	}

	req, err := p.prepare(t)
	if err != nil {
		return storage.Message{}, err
	}

	p.transition(t, StateRequested)
	resp, err := p.provider.Generate(ctx, req)
	if err != nil {
		p.fail(ctx, t, err)
		return storage.Message{}, err
	}

	msg, err := p.finalize(t, resp.Text(), resp.Grounding(), resp.UsageMetadata)
	if err != nil {
		p.failFinalize(t, resp.UsageMetadata, err)
		return storage.Message{}, err
	}
	return msg, nil
}

// finalize annotates the accumulated text with citations, stores the
// assistant message, bumps the conversation, and records usage.
func (p *Pipeline) finalize(t *turn, text string, grounding *gemini.GroundingMetadata, usage *gemini.UsageMetadata) (storage.Message, error) {
	p.transition(t, StateFinalizing)

	now := time.Now().UTC()
	msg := storage.Message{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		Role:           storage.RoleAssistant,
		Content:        citation.Annotate(text, grounding),
		CreatedAt:      now,
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return storage.Message{}, fmt.Errorf("saving assistant message: %w", err)
	}
	if err := p.store.TouchConversation(t.conversationID); err != nil {
		return storage.Message{}, fmt.Errorf("touching conversation: %w", err)
	}

	p.recordUsage(t, usage, "ok", "")
	p.transition(t, StateComplete)
	return msg, nil
}

// fail closes out a turn after the provider call started. A client
// cancellation records cancelled usage and leaves the history as-is; any
// other failure additionally stores a synthetic assistant reply.
func (p *Pipeline) fail(ctx context.Context, t *turn, cause error) {
	p.transition(t, StateFailed)

	if ctx.Err() != nil {
		p.logger.Info("turn cancelled by client",
			"conversation_id", t.conversationID, "error", cause)
		p.recordUsage(t, nil, "cancelled", ctx.Err().Error())
		return
	}

	p.logger.Error("turn failed",
		"conversation_id", t.conversationID, "error", cause)

	if err := p.store.SaveMessage(storage.Message{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		Role:           storage.RoleAssistant,
		Content:        syntheticErrorText,
		MetadataJSON:   `{"synthetic_error":true}`,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		p.logger.Error("saving synthetic error message",
			"conversation_id", t.conversationID, "error", err)
	}

	p.recordUsage(t, nil, "error", cause.Error())
}

// failFinalize closes out a turn whose generation succeeded but whose
// persistence did not. The usage record still carries the provider's token
// counts; no synthetic reply is stored since the failure is on our side of
// the transcript, not the provider's.
func (p *Pipeline) failFinalize(t *turn, usage *gemini.UsageMetadata, cause error) {
	p.transition(t, StateFailed)
	p.logger.Error("turn finalize failed",
		"conversation_id", t.conversationID, "error", cause)
	p.recordUsage(t, usage, "error", cause.Error())
}

func (p *Pipeline) recordUsage(t *turn, usage *gemini.UsageMetadata, status, errText string) {
	rec := storage.UsageRecord{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		Model:          t.model,
		LatencyMS:      time.Since(t.start).Milliseconds(),
		FileCount:      t.meta.FileCount,
		URLCount:       t.meta.URLCount,
		Streamed:       t.streamed,
		Status:         status,
		Error:          errText,
		CreatedAt:      time.Now().UTC(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokenCount
		rec.CompletionTokens = usage.CandidatesTokenCount
		rec.CostUSD = cost(t.model, usage.PromptTokenCount, usage.CandidatesTokenCount)
	}

	if err := p.store.SaveUsageRecord(rec); err != nil {
		p.logger.Error("saving usage record",
			"conversation_id", t.conversationID, "error", err)
	}
}
