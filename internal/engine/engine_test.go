package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
	"github.com/miguelosoWA/novabank-demo-sub001/internal/state"
)

// stubCompleter replays canned model outputs in order and records requests.
type stubCompleter struct {
	outputs  []string
	err      error
	requests []openai.ChatCompletionRequest
}

func (s *stubCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	out := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: out}},
		},
	}, nil
}

func newTestEngine(t *testing.T, client Completer) (*Engine, *state.Store) {
	t.Helper()
	registry := schema.NewRegistry()
	store := state.NewStore(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := New(Config{Model: "test-model"}, client, registry, store, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, store
}

func TestTurnTwoTurnTransferFlow(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"nombreDestinatario":"Laura","amount":50000,"description":"el almuerzo","response":"¿Confirmas la transferencia de 50000 a Laura?","page":"transfers"}`,
		`{"response":"Transferencia enviada","page":"dashboard"}`,
	}}
	eng, store := newTestEngine(t, stub)

	dec, err := eng.Turn(context.Background(), "transfers", "envía 50000 a Laura para el almuerzo")
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if dec.Page != "transfers" {
		t.Errorf("expected in-flow page, got %q", dec.Page)
	}
	if dec.Reset {
		t.Error("first turn must not reset")
	}
	if dec.Fields["nombreDestinatario"] != "Laura" || dec.Fields["amount"] != float64(50000) {
		t.Errorf("fields not merged: %v", dec.Fields)
	}

	dec, err = eng.Turn(context.Background(), "transfers", "sí, confírmalo")
	if err != nil {
		t.Fatalf("confirmation turn failed: %v", err)
	}
	if dec.Page != "dashboard" {
		t.Errorf("expected dashboard after confirmation, got %q", dec.Page)
	}
	if !dec.Reset {
		t.Error("confirmed complete flow must reset")
	}
	if dec.Fields["amount"] != float64(50000) {
		t.Errorf("decision snapshot lost collected fields: %v", dec.Fields)
	}

	// The stored state goes back to defaults once confirmed.
	conv, err := store.Get("transfers")
	if err != nil {
		t.Fatalf("Get after confirmation failed: %v", err)
	}
	if conv.Fields["nombreDestinatario"] != "" || conv.Fields["amount"] != float64(0) {
		t.Errorf("state not reset after confirmation: %v", conv.Fields)
	}
}

func TestTurnRejectsEnumViolation(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"ingresoMensual":3000000,"employmentStatus":"jubilado","response":"Entendido","page":"creditcard"}`,
	}}
	eng, store := newTestEngine(t, stub)

	before, _ := store.Get("creditcard")

	dec, err := eng.Turn(context.Background(), "creditcard", "soy jubilado y gano tres millones")
	if err != nil {
		t.Fatalf("violating turn must be recovered locally, got %v", err)
	}
	if dec.Page != "creditcard" {
		t.Errorf("expected in-flow page, got %q", dec.Page)
	}
	if dec.Response != "Entendido" {
		t.Errorf("model response must still be surfaced, got %q", dec.Response)
	}

	// The whole field set is rejected, including the valid income value.
	after, _ := store.Get("creditcard")
	if after.Fields["ingresoMensual"] != before.Fields["ingresoMensual"] {
		t.Errorf("state changed despite schema violation: %v", after.Fields)
	}
	if after.Fields["employmentStatus"] != before.Fields["employmentStatus"] {
		t.Error("violating enum value reached the store")
	}
}

func TestTurnMissingResponseIsMalformed(t *testing.T) {
	stub := &stubCompleter{outputs: []string{`{"page":"transfers","amount":100}`}}
	eng, store := newTestEngine(t, stub)

	_, err := eng.Turn(context.Background(), "transfers", "cien pesos")
	ee, ok := AsExtractionError(err)
	if !ok || ee.Reason != ReasonMalformedOutput {
		t.Fatalf("expected malformed-output, got %v", err)
	}

	conv, _ := store.Get("transfers")
	if conv.Fields["amount"] != float64(0) {
		t.Error("malformed turn must not commit partial state")
	}
}

func TestTurnRepairsAlmostJSON(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"response":"Claro","page":"transfers","nombreDestinatario":"Laura",}`,
	}}
	eng, _ := newTestEngine(t, stub)

	dec, err := eng.Turn(context.Background(), "transfers", "a Laura")
	if err != nil {
		t.Fatalf("repairable output must succeed, got %v", err)
	}
	if dec.Fields["nombreDestinatario"] != "Laura" {
		t.Errorf("repaired output not merged: %v", dec.Fields)
	}
}

func TestTurnPrematureConfirmationDowngraded(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"nombreDestinatario":"Laura","response":"Listo, enviado","page":"dashboard"}`,
	}}
	eng, _ := newTestEngine(t, stub)

	dec, err := eng.Turn(context.Background(), "transfers", "envíale a Laura")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if dec.Page != "transfers" {
		t.Errorf("incomplete state must stay in flow, got %q", dec.Page)
	}
	if dec.Reset {
		t.Error("incomplete state must never reset")
	}
}

func TestTurnDropsUndeclaredKeys(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"iban":"CO1234","nombreDestinatario":"Laura","response":"Ok","page":"transfers"}`,
	}}
	eng, store := newTestEngine(t, stub)

	if _, err := eng.Turn(context.Background(), "transfers", "a Laura"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	conv, _ := store.Get("transfers")
	if _, ok := conv.Fields["iban"]; ok {
		t.Error("undeclared key leaked into conversation state")
	}
	if conv.Fields["nombreDestinatario"] != "Laura" {
		t.Error("declared field dropped alongside undeclared key")
	}
}

func TestTurnProviderErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason Reason
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, ReasonRateLimited},
		{"bad credential", &openai.APIError{HTTPStatusCode: 401}, ReasonAuth},
		{"server error", &openai.APIError{HTTPStatusCode: 500}, ReasonUpstream},
		{"network", errors.New("connection refused"), ReasonUpstream},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, _ := newTestEngine(t, &stubCompleter{err: tc.err})

			_, err := eng.Turn(context.Background(), "transfers", "hola")
			ee, ok := AsExtractionError(err)
			if !ok {
				t.Fatalf("expected *ExtractionError, got %v", err)
			}
			if ee.Reason != tc.reason {
				t.Errorf("expected reason %s, got %s", tc.reason, ee.Reason)
			}
		})
	}
}

func TestTurnUnknownDomain(t *testing.T) {
	eng, _ := newTestEngine(t, &stubCompleter{outputs: []string{`{}`}})

	_, err := eng.Turn(context.Background(), "mortgages", "hola")
	if !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Errorf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestTurnPromptCarriesKnownValues(t *testing.T) {
	stub := &stubCompleter{outputs: []string{
		`{"nombreDestinatario":"Laura","response":"Ok","page":"transfers"}`,
		`{"amount":50000,"response":"¿Y la descripción?","page":"transfers"}`,
	}}
	eng, _ := newTestEngine(t, stub)

	eng.Turn(context.Background(), "transfers", "a Laura")
	eng.Turn(context.Background(), "transfers", "50000")

	if len(stub.requests) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(stub.requests))
	}
	system := stub.requests[1].Messages[0].Content
	if !strings.Contains(system, "Laura") || !strings.Contains(system, "nombreDestinatario") {
		t.Errorf("second prompt missing known values:\n%s", system)
	}
}
