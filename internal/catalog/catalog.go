package catalog

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Category is the billing tier of a model.
type Category string

const (
	// CategoryAgent is token-metered at the agent rate.
	CategoryAgent Category = "agent"
	// CategoryStandalone is token-metered at the model's own rate.
	CategoryStandalone Category = "standalone"
	// CategoryMedia is a fixed price per call.
	CategoryMedia Category = "media"
)

// GenerationMode describes what a model produces.
type GenerationMode string

const (
	ModeText  GenerationMode = "text"
	ModeImage GenerationMode = "image"
	ModeMusic GenerationMode = "music"
	ModeVideo GenerationMode = "video"
)

// ModelDescriptor identifies one billable capability.
//
// Exactly one of TokenRate or FixedCost is positive: token-billed categories
// carry a rate in credits per 1000 tokens, media carries a raw infrastructure
// cost per call from which the price is derived.
type ModelDescriptor struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Mode        GenerationMode `json:"generation_mode"`
	Category    Category       `json:"category"`

	// TokenRate is credits per 1000 tokens (agent/standalone only).
	TokenRate int64 `json:"token_rate"`

	// FixedCost is the raw infrastructure cost per call (media only).
	FixedCost int64 `json:"fixed_cost"`

	// InfraCostPer1K is the raw infrastructure cost per 1000 tokens, used
	// only by the catalog-wide profit-floor validation.
	InfraCostPer1K float64 `json:"-"`

	// Credential names the upstream credential route for this model.
	Credential string `json:"-"`
}

// Catalog maps model ids to descriptors. Unknown ids resolve to a
// conservative standalone default so billing never crashes on a model it has
// not seen.
type Catalog struct {
	models   map[string]ModelDescriptor
	fallback ModelDescriptor
	logger   *zap.Logger
}

// New returns the catalog with the built-in pricing table.
func New(logger *zap.Logger) *Catalog {
	c := &Catalog{
		models: make(map[string]ModelDescriptor),
		fallback: ModelDescriptor{
			DisplayName:    "Standard Model",
			Mode:           ModeText,
			Category:       CategoryStandalone,
			TokenRate:      20,
			InfraCostPer1K: 6.0,
			Credential:     "chat",
		},
		logger: logger,
	}

	c.addDefaults()
	return c
}

func (c *Catalog) addDefaults() {
	c.Add(ModelDescriptor{
		ID:             "assistant-agent",
		DisplayName:    "Assistant Agent",
		Mode:           ModeText,
		Category:       CategoryAgent,
		TokenRate:      10,
		InfraCostPer1K: 3.2,
		Credential:     "agent",
	})

	c.Add(ModelDescriptor{
		ID:             "gpt-5",
		DisplayName:    "GPT-5",
		Mode:           ModeText,
		Category:       CategoryStandalone,
		TokenRate:      20,
		InfraCostPer1K: 6.0,
		Credential:     "chat",
	})

	c.Add(ModelDescriptor{
		ID:             "gpt-5-mini",
		DisplayName:    "GPT-5 Mini",
		Mode:           ModeText,
		Category:       CategoryStandalone,
		TokenRate:      8,
		InfraCostPer1K: 2.4,
		Credential:     "chat",
	})

	c.Add(ModelDescriptor{
		ID:          "image-gen",
		DisplayName: "Image Generation",
		Mode:        ModeImage,
		Category:    CategoryMedia,
		FixedCost:   50,
		Credential:  "media",
	})

	c.Add(ModelDescriptor{
		ID:          "music-gen",
		DisplayName: "Music Generation",
		Mode:        ModeMusic,
		Category:    CategoryMedia,
		FixedCost:   100,
		Credential:  "media",
	})

	c.Add(ModelDescriptor{
		ID:          "video-gen",
		DisplayName: "Video Generation",
		Mode:        ModeVideo,
		Category:    CategoryMedia,
		FixedCost:   300,
		Credential:  "media",
	})
}

// Add registers or replaces a descriptor.
func (c *Catalog) Add(desc ModelDescriptor) {
	c.models[desc.ID] = desc
}

// Describe resolves a model id to its descriptor. Unknown ids are billed at
// the conservative default rate; the requested id is preserved so audit rows
// still name what the caller asked for.
func (c *Catalog) Describe(modelID string) ModelDescriptor {
	if desc, ok := c.models[modelID]; ok {
		return desc
	}

	if c.logger != nil {
		c.logger.Warn("unknown model, billing at default rate",
			zap.String("model_id", modelID),
		)
	}

	desc := c.fallback
	desc.ID = modelID
	return desc
}

// List returns all registered descriptors sorted by id.
func (c *Catalog) List() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(c.models))
	for _, desc := range c.models {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks the whole catalog against the profit floor: for every
// token-billed descriptor the raw infrastructure cost must not exceed
// profitMargin of the credits charged at the full-price token rate, and
// every descriptor must carry exactly one of a token rate or a fixed cost.
// Run at startup, independent of any request.
func (c *Catalog) Validate(profitMargin float64) error {
	descriptors := c.List()
	descriptors = append(descriptors, c.fallback)

	for _, desc := range descriptors {
		tokenBilled := desc.TokenRate > 0
		fixedPriced := desc.FixedCost > 0

		if tokenBilled == fixedPriced {
			return fmt.Errorf("model %q: exactly one of token rate or fixed cost must be set", desc.ID)
		}

		if tokenBilled && desc.InfraCostPer1K > profitMargin*float64(desc.TokenRate) {
			return fmt.Errorf("model %q: infra cost %.2f per 1k tokens exceeds %.0f%% of rate %d",
				desc.ID, desc.InfraCostPer1K, profitMargin*100, desc.TokenRate)
		}
	}

	return nil
}
