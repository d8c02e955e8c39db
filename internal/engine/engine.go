package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/state"
)

// Completer is the slice of the chat completion API the engine needs.
// *openai.Client satisfies it; tests substitute a stub.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config contains extraction model configuration.
type Config struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Decision is the engine's output for a single turn. Ephemeral: the caller
// uses it to navigate and render, then discards it.
type Decision struct {
	Page     string         `json:"page"`
	Fields   map[string]any `json:"fields"`
	Response string         `json:"response"`
	Reset    bool           `json:"reset"`
}

// Engine runs slot-filling conversation turns against the language model.
type Engine struct {
	config   Config
	client   Completer
	registry *schema.Registry
	store    *state.Store
	logger   *slog.Logger
}

// New creates a conversation engine.
func New(config Config, client Completer, registry *schema.Registry, store *state.Store, logger *slog.Logger) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}

	return &Engine{
		config:   config,
		client:   client,
		registry: registry,
		store:    store,
		logger:   logger,
	}, nil
}

// Turn processes one utterance for a domain: extract fields, validate them
// against the schema, merge into state and decide the next page. The model
// determines confirmation intent; the engine's only local authority is
// schema-conformance validation and the completeness check on required
// fields.
func (e *Engine) Turn(ctx context.Context, domainID, utterance string) (*Decision, error) {
	domain, err := e.registry.Get(domainID)
	if err != nil {
		return nil, err
	}

	current, err := e.store.Get(domainID)
	if err != nil {
		return nil, err
	}

	output, err := e.extract(ctx, domain, current.Fields, utterance)
	if err != nil {
		return nil, err
	}

	response, ok := output["response"].(string)
	if !ok || response == "" {
		// Fatal for this turn: no partial state is committed.
		return nil, &ExtractionError{Reason: ReasonMalformedOutput,
			Err: fmt.Errorf("model output omitted the response field")}
	}
	modelPage, _ := output["page"].(string)

	fields := extractCandidateFields(domain, output)

	if err := domain.ValidateFields(fields); err != nil {
		// Recovered locally: state stays untouched, the model's literal
		// response nudges the user to retry.
		var ve *schema.ViolationError
		if errors.As(err, &ve) {
			e.logger.Warn("model output violated domain schema",
				slog.String("domain", domainID),
				slog.String("field", ve.Field),
				slog.String("detail", ve.Detail),
			)
		}

		page := domain.Pages.Incomplete
		if domain.Complete(current.Fields) {
			page = domain.Pages.Complete
		}
		return &Decision{
			Page:     page,
			Fields:   current.Fields,
			Response: response,
		}, nil
	}

	merged, err := e.store.Merge(domainID, fields, response)
	if err != nil {
		return nil, fmt.Errorf("failed to merge turn fields: %w", err)
	}

	decision := e.decidePage(domain, modelPage, merged)

	if decision.Reset {
		// The navigating caller consumes the decision's field snapshot; the
		// stored state goes back to the domain defaults.
		if err := e.store.Reset(domainID); err != nil {
			return nil, fmt.Errorf("failed to reset state after terminal page: %w", err)
		}
	}

	return decision, nil
}

// extract invokes the language model constrained to the domain's structured
// output schema and returns the decoded output object.
func (e *Engine) extract(ctx context.Context, domain *schema.Domain, known map[string]any, utterance string) (map[string]any, error) {
	responseSchema, err := buildResponseSchema(domain)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.config.Model,
		Temperature: e.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(domain, known)},
			{Role: openai.ChatMessageRoleUser, Content: utterance},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   domain.ID + "_extraction",
				Schema: responseSchema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &ExtractionError{Reason: ReasonMalformedOutput,
			Err: fmt.Errorf("model returned no choices")}
	}

	output, err := decodeModelOutput(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &ExtractionError{Reason: ReasonMalformedOutput, Err: err}
	}
	return output, nil
}

// decodeModelOutput unmarshals the model's JSON, repairing almost-JSON
// (trailing commas, unquoted keys) before giving up.
func decodeModelOutput(content string) (map[string]any, error) {
	var output map[string]any
	err := json.Unmarshal([]byte(content), &output)
	if err == nil {
		return output, nil
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		fixed, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return nil, fmt.Errorf("unrepairable model output: %w", repairErr)
		}
		if err := json.Unmarshal([]byte(fixed), &output); err != nil {
			return nil, fmt.Errorf("model output is not a JSON object: %w", err)
		}
		return output, nil
	}
	return nil, fmt.Errorf("model output is not a JSON object: %w", err)
}

// extractCandidateFields pulls the declared schema fields out of the model
// output. Undeclared keys are dropped: the schema is a whitelist. Nulls mean
// the model did not address the field this turn.
func extractCandidateFields(domain *schema.Domain, output map[string]any) map[string]any {
	fields := make(map[string]any)
	for _, f := range domain.Fields {
		value, ok := output[f.Name]
		if !ok || value == nil {
			continue
		}
		fields[f.Name] = value
	}
	return fields
}

// decidePage resolves the turn's navigation target. The model's page is
// authoritative except that an incomplete state can never leave the in-flow
// page, and only a confirmed terminal on complete state triggers a reset.
func (e *Engine) decidePage(domain *schema.Domain, modelPage string, merged state.Conversation) *Decision {
	complete := domain.Complete(merged.Fields)

	page := modelPage
	switch {
	case page == "":
		if complete {
			page = domain.Pages.Complete
		} else {
			page = domain.Pages.Incomplete
		}
	case !complete && (page == domain.Pages.Confirmed || page == domain.Pages.Complete):
		page = domain.Pages.Incomplete
	}

	return &Decision{
		Page:     page,
		Fields:   merged.Fields,
		Response: merged.LastResponse,
		Reset:    complete && page == domain.Pages.Confirmed,
	}
}

// classifyProviderError maps provider failures onto the extraction error
// taxonomy without leaking provider internals to callers.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExtractionError{Reason: ReasonTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return &ExtractionError{Reason: ReasonAuth, Err: err}
		case 429:
			return &ExtractionError{Reason: ReasonRateLimited, Err: err}
		}
	}
	return &ExtractionError{Reason: ReasonUpstream, Err: err}
}
