// Package llm generates improvement job results by asking an OpenAI-compatible
// model for a strict-JSON set of backlog changes.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"openbacklog/internal/config"
	"openbacklog/internal/suggestion"
)

const systemPrompt = `You are a backlog improvement assistant. You are given the
current backlog of a workspace: initiatives identified as INIT-n, each with
tasks identified as TASK-n. Propose improvements as managed_initiatives and
managed_tasks entries. Use action CREATE for new entities (no identifier),
UPDATE or DELETE with the existing identifier otherwise. Only include title or
description fields you want to change. Reference parent initiatives of new
tasks via initiative_identifier.`

type Runner struct {
	client openai.Client
	model  string
}

// New builds a Runner from workspace config. The API key is read from the
// environment variable named in config.llm.api_key_env.
func New(cfg config.LLMConfig) (*Runner, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required; set %s", keyEnv)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Runner{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (r *Runner) Model() string {
	return r.model
}

// GenerateResult asks the model for improvement proposals against the given
// backlog snapshot and returns the raw result JSON plus its parsed form.
func (r *Runner) GenerateResult(ctx context.Context, prompt string, snap suggestion.Snapshot) (string, suggestion.JobResult, error) {
	backlog, err := renderBacklog(snap)
	if err != nil {
		return "", suggestion.JobResult{}, err
	}
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        "improvement_result",
		Description: openai.String("Proposed backlog changes"),
		Schema:      generateSchema[suggestion.JobResult](),
		Strict:      openai.Bool(true),
	}
	params := openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage("Current backlog:\n" + backlog + "\n\nRequest:\n" + prompt),
		},
		MaxTokens: openai.Int(4096),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	}

	start := time.Now()
	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", suggestion.JobResult{}, fmt.Errorf("openai chat: %w", err)
	}
	slog.DebugContext(ctx, "improvement generation completed",
		"model", r.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", suggestion.JobResult{}, fmt.Errorf("no choices in response")
	}
	content := resp.Choices[0].Message.Content
	var result suggestion.JobResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return "", suggestion.JobResult{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return content, result, nil
}

// renderBacklog serializes the snapshot into the compact JSON the model sees.
func renderBacklog(snap suggestion.Snapshot) (string, error) {
	type taskView struct {
		Identifier  string `json:"identifier"`
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Status      string `json:"status"`
	}
	type initiativeView struct {
		Identifier  string     `json:"identifier"`
		Title       string     `json:"title"`
		Description string     `json:"description,omitempty"`
		Status      string     `json:"status"`
		Tasks       []taskView `json:"tasks,omitempty"`
	}
	byID := map[string]int{}
	views := make([]initiativeView, 0, len(snap.Initiatives))
	for i, in := range snap.Initiatives {
		byID[in.ID] = i
		views = append(views, initiativeView{
			Identifier:  in.Identifier,
			Title:       in.Title,
			Description: in.Description,
			Status:      in.Status,
		})
	}
	for _, t := range snap.Tasks {
		idx, ok := byID[t.InitiativeID]
		if !ok {
			continue
		}
		views[idx].Tasks = append(views[idx].Tasks, taskView{
			Identifier:  t.Identifier,
			Title:       t.Title,
			Description: t.Description,
			Status:      t.Status,
		})
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "  ")
	if err := enc.Encode(views); err != nil {
		return "", err
	}
	return b.String(), nil
}

func generateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}
