package assembler

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/loom/internal/gemini"
	"github.com/kalambet/loom/internal/storage"
)

type promptMap map[string]storage.Prompt

func (p promptMap) SystemPrompt(promptID, requesterID string) (storage.Prompt, error) {
	prompt, ok := p[promptID]
	if !ok {
		return storage.Prompt{}, storage.ErrNotFound
	}
	if prompt.OwnerID != requesterID && prompt.Visibility != "public" {
		return storage.Prompt{}, storage.ErrNotFound
	}
	return prompt, nil
}

func testAssembler(prompts PromptStore) *Assembler {
	if prompts == nil {
		prompts = promptMap{}
	}
	return New(prompts, "gemini-2.0-flash", Defaults{
		AssistantPrompt: "assistant default",
		URLPrompt:       "url default",
		Temperature:     0.7,
		MaxOutputTokens: 8192,
	})
}

func userMsg(content string) storage.Message {
	return storage.Message{Role: storage.RoleUser, Content: content}
}

func assistantMsg(content string) storage.Message {
	return storage.Message{Role: storage.RoleAssistant, Content: content}
}

func TestAssembleEmptyContent(t *testing.T) {
	a := testAssembler(nil)
	_, _, err := a.Assemble(storage.Conversation{}, nil, nil, "   ")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestAssembleAlternation(t *testing.T) {
	cases := []struct {
		name    string
		history []storage.Message
		want    []string // role sequence after normalization
	}{
		{
			name:    "well formed",
			history: []storage.Message{userMsg("a"), assistantMsg("b")},
			want:    []string{gemini.RoleUser, gemini.RoleModel},
		},
		{
			name:    "leading assistant stripped",
			history: []storage.Message{assistantMsg("orphan"), userMsg("a"), assistantMsg("b")},
			want:    []string{gemini.RoleUser, gemini.RoleModel},
		},
		{
			name:    "consecutive users collapse",
			history: []storage.Message{userMsg("a"), userMsg("dropped"), assistantMsg("b")},
			want:    []string{gemini.RoleUser, gemini.RoleModel},
		},
		{
			name:    "consecutive assistants collapse",
			history: []storage.Message{userMsg("a"), assistantMsg("b"), assistantMsg("dropped")},
			want:    []string{gemini.RoleUser, gemini.RoleModel},
		},
		{
			name:    "trailing user dropped",
			history: []storage.Message{userMsg("a"), assistantMsg("b"), userMsg("dangling")},
			want:    []string{gemini.RoleUser, gemini.RoleModel},
		},
		{
			name:    "empty history",
			history: nil,
			want:    nil,
		},
		{
			name:    "only assistants",
			history: []storage.Message{assistantMsg("x"), assistantMsg("y")},
			want:    nil,
		},
	}

	a := testAssembler(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _, err := a.Assemble(storage.Conversation{}, tc.history, nil, "current")
			if err != nil {
				t.Fatalf("Assemble failed: %v", err)
			}
			// The last content is always the in-flight user message.
			got := req.Contents[:len(req.Contents)-1]
			if len(got) != len(tc.want) {
				t.Fatalf("history length = %d, want %d (%+v)", len(got), len(tc.want), got)
			}
			for i, c := range got {
				if c.Role != tc.want[i] {
					t.Errorf("content[%d].Role = %q, want %q", i, c.Role, tc.want[i])
				}
			}
			if last := req.Contents[len(req.Contents)-1]; last.Role != gemini.RoleUser {
				t.Errorf("final content role = %q, want user", last.Role)
			}
		})
	}
}

func TestAssembleAlternationInvariant(t *testing.T) {
	// Whatever garbage the history holds, the assembled contents must start
	// with user and strictly alternate.
	histories := [][]storage.Message{
		{assistantMsg("1"), assistantMsg("2"), userMsg("3"), userMsg("4")},
		{userMsg("1"), userMsg("2"), userMsg("3")},
		{assistantMsg("1"), userMsg("2"), assistantMsg("3"), assistantMsg("4"), userMsg("5")},
		{{Role: "system", Content: "odd role"}, assistantMsg("x"), userMsg("y")},
	}

	a := testAssembler(nil)
	for i, h := range histories {
		req, _, err := a.Assemble(storage.Conversation{}, h, nil, "current")
		if err != nil {
			t.Fatalf("case %d: Assemble failed: %v", i, err)
		}
		expect := gemini.RoleUser
		for j, c := range req.Contents {
			if c.Role != expect {
				t.Errorf("case %d: content[%d].Role = %q, want %q", i, j, c.Role, expect)
			}
			if expect == gemini.RoleUser {
				expect = gemini.RoleModel
			} else {
				expect = gemini.RoleUser
			}
		}
	}
}

func TestAssembleURLLimit(t *testing.T) {
	var resources []storage.Resource
	for i := 0; i < MaxURLs+1; i++ {
		resources = append(resources, storage.Resource{
			Type: storage.ResourceURL,
			URL:  fmt.Sprintf("https://example.com/%d", i),
		})
	}

	a := testAssembler(nil)
	_, _, err := a.Assemble(storage.Conversation{}, nil, resources, "summarize")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if !strings.Contains(verr.Reason, "21") {
		t.Errorf("reason should name the count, got %q", verr.Reason)
	}

	// Exactly at the limit is fine.
	req, meta, err := a.Assemble(storage.Conversation{}, nil, resources[:MaxURLs], "summarize")
	if err != nil {
		t.Fatalf("Assemble at limit failed: %v", err)
	}
	if meta.URLCount != MaxURLs {
		t.Errorf("URLCount = %d, want %d", meta.URLCount, MaxURLs)
	}
	if req.Tools[0].URLContext == nil {
		t.Error("expected urlContext tool with URLs attached")
	}
}

func TestAssembleResourceParts(t *testing.T) {
	resources := []storage.Resource{
		{Type: storage.ResourceFile, FileURI: "files/abc", MimeType: "application/pdf"},
		{Type: storage.ResourceFile, Name: "pending.pdf"}, // no provider handle yet
		{Type: storage.ResourceURL, URL: "https://example.com/doc"},
	}

	a := testAssembler(nil)
	req, meta, err := a.Assemble(storage.Conversation{}, nil, resources, "read these")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if meta.FileCount != 1 || meta.URLCount != 1 {
		t.Errorf("meta = %+v, want FileCount 1 URLCount 1", meta)
	}

	last := req.Contents[len(req.Contents)-1]
	if len(last.Parts) != 2 {
		t.Fatalf("parts = %d, want text + file", len(last.Parts))
	}
	if !strings.Contains(last.Parts[0].Text, "read these") {
		t.Errorf("message text missing: %q", last.Parts[0].Text)
	}
	if !strings.Contains(last.Parts[0].Text, "https://example.com/doc") {
		t.Errorf("URL instruction block missing: %q", last.Parts[0].Text)
	}
	if last.Parts[1].FileData == nil || last.Parts[1].FileData.FileURI != "files/abc" {
		t.Errorf("file part wrong: %+v", last.Parts[1])
	}
}

func TestAssembleToolSelection(t *testing.T) {
	a := testAssembler(nil)

	req, _, err := a.Assemble(storage.Conversation{}, nil, nil, "question")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].GoogleSearch == nil {
		t.Errorf("expected googleSearch tool without URLs, got %+v", req.Tools)
	}

	req, _, err = a.Assemble(storage.Conversation{}, nil, []storage.Resource{
		{Type: storage.ResourceURL, URL: "https://example.com"},
	}, "question")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].URLContext == nil {
		t.Errorf("expected urlContext tool with URLs, got %+v", req.Tools)
	}
}

func TestSystemInstructionTiers(t *testing.T) {
	prompts := promptMap{
		"p-own":    {ID: "p-own", OwnerID: "alice", Content: "alice custom", Visibility: "private"},
		"p-public": {ID: "p-public", OwnerID: "bob", Content: "public custom", Visibility: "public"},
	}
	a := testAssembler(prompts)

	cases := []struct {
		name string
		conv storage.Conversation
		want string
	}{
		{"explicit owned", storage.Conversation{UserID: "alice", PromptID: "p-own"}, "alice custom"},
		{"explicit public", storage.Conversation{UserID: "carol", PromptID: "p-public"}, "public custom"},
		{"denied falls to default", storage.Conversation{UserID: "carol", PromptID: "p-own"}, "assistant default"},
		{"missing falls to default", storage.Conversation{UserID: "alice", PromptID: "gone"}, "assistant default"},
		{"url mode default", storage.Conversation{UserID: "alice", Mode: "url"}, "url default"},
		{"assistant mode default", storage.Conversation{UserID: "alice"}, "assistant default"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _, err := a.Assemble(tc.conv, nil, nil, "hello")
			if err != nil {
				t.Fatalf("Assemble failed: %v", err)
			}
			if req.SystemInstruction == nil {
				t.Fatal("missing system instruction")
			}
			if got := req.SystemInstruction.Parts[0].Text; got != tc.want {
				t.Errorf("instruction = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSystemInstructionURLTierFromResources(t *testing.T) {
	a := testAssembler(nil)
	req, _, err := a.Assemble(storage.Conversation{UserID: "u"}, nil, []storage.Resource{
		{Type: storage.ResourceURL, URL: "https://example.com"},
	}, "hello")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if got := req.SystemInstruction.Parts[0].Text; got != "url default" {
		t.Errorf("instruction = %q, want url default", got)
	}
}

func TestSystemInstructionNoneConfigured(t *testing.T) {
	a := New(promptMap{}, "m", Defaults{Temperature: 0.5, MaxOutputTokens: 100})
	req, _, err := a.Assemble(storage.Conversation{}, nil, nil, "hello")
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if req.SystemInstruction != nil {
		t.Errorf("instruction should be absent, got %+v", req.SystemInstruction)
	}
}
