package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Reasoner is the handle the pipeline stages hold on the generative
// reasoning service. A nil client makes every call return ErrDisabled, which
// is how SHOPMATE_USE_LLM=0 renders the whole pipeline deterministic.
type Reasoner struct {
	client Client
	model  string
	opts   ChatOptions
	policy RetryPolicy
}

// NewReasoner creates a reasoner over the given client and model. Pass a nil
// client to disable the service.
func NewReasoner(client Client, model string, opts ChatOptions) *Reasoner {
	policy := DefaultRetryConfig().Policy
	if opts.RetryConfig != nil {
		policy = opts.RetryConfig.Policy
	}
	return &Reasoner{
		client: client,
		model:  model,
		opts:   opts,
		policy: policy,
	}
}

// Disabled returns a reasoner whose every call fails with ErrDisabled.
func Disabled() *Reasoner {
	return &Reasoner{}
}

// Enabled reports whether the reasoning service can be called.
func (r *Reasoner) Enabled() bool {
	return r != nil && r.client != nil
}

// Model returns the configured model name.
func (r *Reasoner) Model() string {
	return r.model
}

// Chat sends the messages (and optional tool schemas) to the provider with
// retry/backoff.
func (r *Reasoner) Chat(ctx context.Context, messages []ChatMessage, toolSchemas []ToolSchema) (Response, error) {
	if !r.Enabled() {
		return Response{}, ErrDisabled
	}
	return RetryChat(ctx, r.policy, r.client, r.model, messages, toolSchemas, r.opts, nil)
}

const structuredSystemPrompt = `You are a strict JSON generator.
Reply with a single JSON object and nothing else: no prose, no markdown fences, no commentary.
The object must conform to this JSON schema:

%s`

// GenerateStruct asks the model for a JSON object conforming to schemaJSON
// and unmarshals it into out. Failures are typed: ErrDisabled when the
// service is off, ErrMalformed when the reply cannot be parsed or fails
// schema validation.
func (r *Reasoner) GenerateStruct(ctx context.Context, prompt, schemaJSON string, out any) error {
	if !r.Enabled() {
		return ErrDisabled
	}

	messages := []ChatMessage{
		{Role: RoleSystem, Content: fmt.Sprintf(structuredSystemPrompt, schemaJSON)},
		{Role: RoleUser, Content: prompt},
	}

	resp, err := r.Chat(ctx, messages, nil)
	if err != nil {
		return fmt.Errorf("structured generation failed: %w", err)
	}

	blob, err := ExtractJSONObject(resp.Assistant.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	documentLoader := gojsonschema.NewStringLoader(blob)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("%w: schema mismatch: %s", ErrMalformed, strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ExtractJSONObject returns the first balanced top-level {...} object in the
// text. Models wrap JSON in fences or prose often enough that a plain
// json.Unmarshal on the raw reply is not reliable.
func ExtractJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}
