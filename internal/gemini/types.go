package gemini

// Roles accepted by the generateContent API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one element of a Content. Exactly one field is set.
type Part struct {
	Text     string    `json:"text,omitempty"`
	FileData *FileData `json:"fileData,omitempty"`
}

// FileData references an uploaded file by its provider handle. The MIME type
// is the one recorded at upload time.
type FileData struct {
	FileURI  string `json:"fileUri"`
	MimeType string `json:"mimeType"`
}

// Content is a single conversation turn.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Tool enables a provider-side tool. Exactly one field is set.
type Tool struct {
	URLContext   *struct{} `json:"urlContext,omitempty"`
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Request is the generateContent request body. Contents holds the prior
// turns followed by the current user message.
type Request struct {
	Model             string            `json:"-"`
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

// Segment locates a passage of the response text. Offsets are byte offsets
// into the UTF-8 encoded text.
type Segment struct {
	StartIndex int `json:"startIndex,omitempty"`
	EndIndex   int `json:"endIndex"`
}

// GroundingSupport links one response passage to the grounding chunks that
// back it.
type GroundingSupport struct {
	Segment               Segment `json:"segment"`
	GroundingChunkIndices []int   `json:"groundingChunkIndices"`
}

type WebSource struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

// GroundingChunk is one source document the provider grounded the answer in.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

// GroundingMetadata is the provider-supplied evidence linking passages of the
// generated text to external sources.
type GroundingMetadata struct {
	GroundingChunks   []GroundingChunk   `json:"groundingChunks,omitempty"`
	GroundingSupports []GroundingSupport `json:"groundingSupports,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// Response is the generateContent response body. Streaming responses arrive
// as a sequence of these, each carrying an incremental text fragment.
type Response struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (r *Response) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var out string
	for _, p := range r.Candidates[0].Content.Parts {
		out += p.Text
	}
	return out
}

// Grounding returns the grounding metadata of the first candidate, or nil.
func (r *Response) Grounding() *GroundingMetadata {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].GroundingMetadata
}

// Chunk is one incremental unit of generated text delivered during streaming.
// The final chunk carries the grounding and usage metadata.
type Chunk struct {
	Text      string
	Final     bool
	Grounding *GroundingMetadata
	Usage     *UsageMetadata
}
