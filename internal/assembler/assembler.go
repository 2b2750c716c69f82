// Package assembler turns a conversation's stored history and attached
// resources into a provider-ready generation request.
package assembler

import (
	"fmt"
	"strings"

	"github.com/kalambet/loom/internal/gemini"
	"github.com/kalambet/loom/internal/storage"
)

// MaxURLs is the hard limit on URL resources per request.
const MaxURLs = 20

// ValidationError reports a structurally invalid request. It is raised
// before any provider call and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Defaults carries the per-mode default system prompts and generation
// settings; prompt text is configuration data, not code.
type Defaults struct {
	AssistantPrompt string
	URLPrompt       string
	Temperature     float64
	MaxOutputTokens int
}

// PromptStore resolves an explicitly configured system prompt, filtered so
// only the owner or a public prompt is readable.
type PromptStore interface {
	SystemPrompt(promptID, requesterID string) (storage.Prompt, error)
}

// Meta summarizes what went into an assembled request.
type Meta struct {
	FileCount int
	URLCount  int
}

// Assembler builds gemini.Requests from stored conversation state.
type Assembler struct {
	prompts  PromptStore
	model    string
	defaults Defaults
}

func New(prompts PromptStore, model string, defaults Defaults) *Assembler {
	return &Assembler{prompts: prompts, model: model, defaults: defaults}
}

// Assemble builds the generation request for the in-flight message. History
// holds the stored prior turns (the in-flight message is not among them);
// resources is the full set attached to the conversation. A request with
// more than MaxURLs URL resources fails with a *ValidationError.
func (a *Assembler) Assemble(conv storage.Conversation, history []storage.Message, resources []storage.Resource, content string) (gemini.Request, Meta, error) {
	if strings.TrimSpace(content) == "" {
		return gemini.Request{}, Meta{}, &ValidationError{Reason: "message content is empty"}
	}

	files, urls := partitionResources(resources)
	if len(urls) > MaxURLs {
		return gemini.Request{}, Meta{}, &ValidationError{
			Reason: fmt.Sprintf("too many URLs attached: %d (limit %d)", len(urls), MaxURLs),
		}
	}

	req := gemini.Request{
		Model:    a.model,
		Contents: append(normalizeHistory(history), currentMessage(content, files, urls)),
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:     a.defaults.Temperature,
			MaxOutputTokens: a.defaults.MaxOutputTokens,
		},
		Tools: selectTools(urls),
	}

	if instruction := a.resolveSystemInstruction(conv, len(urls) > 0); instruction != "" {
		req.SystemInstruction = &gemini.Content{
			Parts: []gemini.Part{{Text: instruction}},
		}
	}

	return req, Meta{FileCount: len(files), URLCount: len(urls)}, nil
}

// normalizeHistory repairs the stored history into a well-formed exchange:
// assistant maps to the model role, anything else to user; leading model
// entries are stripped; entries that would break the strict user/model
// alternation are dropped. Lossy by design, never an error.
func normalizeHistory(history []storage.Message) []gemini.Content {
	contents := make([]gemini.Content, 0, len(history))

	expect := gemini.RoleUser
	for _, m := range history {
		role := gemini.RoleUser
		if m.Role == storage.RoleAssistant {
			role = gemini.RoleModel
		}
		if role != expect {
			continue
		}
		contents = append(contents, gemini.Content{
			Role:  role,
			Parts: []gemini.Part{{Text: m.Content}},
		})
		if expect == gemini.RoleUser {
			expect = gemini.RoleModel
		} else {
			expect = gemini.RoleUser
		}
	}

	// The next turn is the in-flight user message; a history ending on a
	// user turn would break alternation, so drop the dangling entry.
	if len(contents) > 0 && contents[len(contents)-1].Role == gemini.RoleUser {
		contents = contents[:len(contents)-1]
	}
	return contents
}

// partitionResources splits the conversation's resources into usable file
// references and URL strings. File resources without a provider handle are
// silently excluded.
func partitionResources(resources []storage.Resource) (files []storage.Resource, urls []string) {
	for _, r := range resources {
		switch r.Type {
		case storage.ResourceFile:
			if r.FileURI != "" && r.MimeType != "" {
				files = append(files, r)
			}
		case storage.ResourceURL:
			if r.URL != "" {
				urls = append(urls, r.URL)
			}
		}
	}
	return files, urls
}

// currentMessage composes the final user turn: the literal message text,
// the URL instruction block when URLs are attached, and one file part per
// usable file resource.
func currentMessage(content string, files []storage.Resource, urls []string) gemini.Content {
	text := content
	if len(urls) > 0 {
		var sb strings.Builder
		sb.WriteString(text)
		sb.WriteString("\n\nUse only the following URLs as sources for your answer:\n")
		for _, u := range urls {
			sb.WriteString("- ")
			sb.WriteString(u)
			sb.WriteString("\n")
		}
		text = sb.String()
	}

	parts := []gemini.Part{{Text: text}}
	for _, f := range files {
		parts = append(parts, gemini.Part{
			FileData: &gemini.FileData{FileURI: f.FileURI, MimeType: f.MimeType},
		})
	}
	return gemini.Content{Role: gemini.RoleUser, Parts: parts}
}

// selectTools picks the provider tool for the request: URL context when URLs
// are attached, web search otherwise. Exactly one tool is always enabled.
func selectTools(urls []string) []gemini.Tool {
	if len(urls) > 0 {
		return []gemini.Tool{{URLContext: &struct{}{}}}
	}
	return []gemini.Tool{{GoogleSearch: &struct{}{}}}
}

// resolveSystemInstruction applies the three-tier resolution order:
// explicit conversation prompt (permission-checked), mode default, none.
// Resolution never fails the request; a missing or denied prompt falls
// through to the next tier.
func (a *Assembler) resolveSystemInstruction(conv storage.Conversation, hasURLs bool) string {
	if conv.PromptID != "" {
		if p, err := a.prompts.SystemPrompt(conv.PromptID, conv.UserID); err == nil && p.Content != "" {
			return p.Content
		}
	}
	if hasURLs || conv.Mode == "url" {
		return a.defaults.URLPrompt
	}
	return a.defaults.AssistantPrompt
}
