package state

import (
	"errors"
	"testing"

	"github.com/miguelosoWA/novabank-demo-sub001/internal/schema"
)

func newTestStore() *Store {
	return NewStore(schema.NewRegistry())
}

func TestGetInitializesDefaults(t *testing.T) {
	store := newTestStore()

	conv, err := store.Get("transfers")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if conv.Fields["nombreDestinatario"] != "" {
		t.Errorf("expected empty recipient, got %v", conv.Fields["nombreDestinatario"])
	}
	if conv.Fields["amount"] != float64(0) {
		t.Errorf("expected zero amount, got %v", conv.Fields["amount"])
	}
	if conv.LastResponse != "" {
		t.Errorf("expected empty last response, got %q", conv.LastResponse)
	}
}

func TestGetUnknownDomain(t *testing.T) {
	store := newTestStore()

	_, err := store.Get("mortgages")
	if !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Errorf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestMergeMonotonicity(t *testing.T) {
	store := newTestStore()

	if _, err := store.Merge("transfers", map[string]any{"description": "almuerzo"}, "ok"); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}

	// Merging amount must leave description untouched.
	conv, err := store.Merge("transfers", map[string]any{"amount": float64(500000)}, "")
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	if conv.Fields["description"] != "almuerzo" {
		t.Errorf("description was clobbered: %v", conv.Fields["description"])
	}
	if conv.Fields["amount"] != float64(500000) {
		t.Errorf("amount not updated: %v", conv.Fields["amount"])
	}
	if conv.LastResponse != "ok" {
		t.Errorf("empty response must not clear last response, got %q", conv.LastResponse)
	}
}

func TestMergeRejectsSchemaViolations(t *testing.T) {
	store := newTestStore()

	before, _ := store.Get("creditcard")

	_, err := store.Merge("creditcard", map[string]any{"employmentStatus": "jubilado"}, "x")
	if err == nil {
		t.Fatal("expected violation to reject the merge")
	}
	var ve *schema.ViolationError
	if !errors.As(err, &ve) {
		t.Errorf("expected *schema.ViolationError, got %T", err)
	}

	after, _ := store.Get("creditcard")
	if after.Fields["employmentStatus"] != before.Fields["employmentStatus"] {
		t.Error("state changed despite rejected merge")
	}
	if after.LastResponse != before.LastResponse {
		t.Error("last response changed despite rejected merge")
	}
}

func TestResetIdempotence(t *testing.T) {
	store := newTestStore()

	store.Merge("transfers", map[string]any{
		"nombreDestinatario": "Laura",
		"amount":             float64(50000),
	}, "listo")

	for i := 0; i < 3; i++ {
		if err := store.Reset("transfers"); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}

		conv, err := store.Get("transfers")
		if err != nil {
			t.Fatalf("Get after reset failed: %v", err)
		}
		if conv.Fields["nombreDestinatario"] != "" || conv.Fields["amount"] != float64(0) {
			t.Errorf("reset %d did not restore defaults: %v", i, conv.Fields)
		}
		if conv.LastResponse != "" {
			t.Errorf("reset %d did not clear last response", i)
		}
	}
}

func TestResetRestoresDocumentedDefaults(t *testing.T) {
	store := newTestStore()

	store.Merge("banking", map[string]any{"holderName": "Otro Usuario"}, "")
	if err := store.Reset("banking"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	conv, _ := store.Get("banking")
	if conv.Fields["holderName"] != "Camila Rojas" {
		t.Errorf("expected demo profile default after reset, got %v", conv.Fields["holderName"])
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	store := newTestStore()

	conv, _ := store.Get("transfers")
	conv.Fields["amount"] = float64(999)

	again, _ := store.Get("transfers")
	if again.Fields["amount"] != float64(0) {
		t.Error("mutating a snapshot must not affect the store")
	}
}

func TestSnapshotListsInitializedDomains(t *testing.T) {
	store := newTestStore()

	store.Get("transfers")
	store.Get("banking")

	snap := store.Snapshot()
	if len(snap) != 2 {
		t.Errorf("expected 2 initialized domains, got %d", len(snap))
	}
	if _, ok := snap["transfers"]; !ok {
		t.Error("snapshot missing transfers domain")
	}
}
