package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q, not a UUID: %v", id, err)
	}
	if New() == id {
		t.Fatal("expected distinct IDs")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("recon_")
	if !strings.HasPrefix(id, "recon_") {
		t.Fatalf("expected prefix, got %q", id)
	}
	if len(id) != len("recon_")+24 {
		t.Fatalf("unexpected length %d", len(id))
	}
}

func TestReceipt_Deterministic(t *testing.T) {
	pid := "3f2b8c1e-9a4d-4e5f-8b7a-112233445566"
	a, b := Receipt(pid), Receipt(pid)
	if a != b {
		t.Fatalf("receipt not deterministic: %q vs %q", a, b)
	}
	if strings.Contains(a, "-") {
		t.Errorf("receipt should not contain dashes: %q", a)
	}
	if len(a) > 40 {
		t.Errorf("receipt too long: %d", len(a))
	}
	if Receipt("other") == a {
		t.Error("different payments must have different receipts")
	}
}
