package catalog

import (
	"testing"

	"go.uber.org/zap"
)

func TestDescribeKnownModel(t *testing.T) {
	c := New(zap.NewNop())

	desc := c.Describe("gpt-5")
	if desc.Category != CategoryStandalone {
		t.Fatalf("category = %s, want %s", desc.Category, CategoryStandalone)
	}
	if desc.TokenRate != 20 {
		t.Fatalf("token rate = %d, want 20", desc.TokenRate)
	}
}

func TestDescribeUnknownModelPreservesID(t *testing.T) {
	c := New(zap.NewNop())

	desc := c.Describe("brand-new-model")
	if desc.ID != "brand-new-model" {
		t.Fatalf("fallback descriptor lost the requested id: %q", desc.ID)
	}
	if desc.Category != CategoryStandalone {
		t.Fatalf("fallback category = %s, want %s", desc.Category, CategoryStandalone)
	}
	if desc.TokenRate != 20 {
		t.Fatalf("fallback rate = %d, want 20", desc.TokenRate)
	}
}

func TestListSorted(t *testing.T) {
	c := New(zap.NewNop())

	list := c.List()
	if len(list) == 0 {
		t.Fatal("catalog has no models")
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("list not sorted: %q before %q", list[i-1].ID, list[i].ID)
		}
	}
}

func TestValidateDefaultCatalog(t *testing.T) {
	c := New(zap.NewNop())

	if err := c.Validate(0.4); err != nil {
		t.Fatalf("built-in catalog failed validation: %v", err)
	}
}

func TestValidateRejectsMarginViolation(t *testing.T) {
	c := New(zap.NewNop())
	c.Add(ModelDescriptor{
		ID:             "too-expensive",
		Category:       CategoryStandalone,
		TokenRate:      10,
		InfraCostPer1K: 9.0, // well past 40% of 10 credits
		Credential:     "chat",
	})

	if err := c.Validate(0.4); err == nil {
		t.Fatal("expected validation to reject a model priced below its infra cost margin")
	}
}

func TestValidateRejectsAmbiguousPricing(t *testing.T) {
	c := New(zap.NewNop())
	c.Add(ModelDescriptor{
		ID:        "both-set",
		Category:  CategoryMedia,
		TokenRate: 10,
		FixedCost: 50,
	})

	if err := c.Validate(0.4); err == nil {
		t.Fatal("expected validation to reject a model with both a token rate and a fixed cost")
	}
}
