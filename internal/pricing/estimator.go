package pricing

import (
	"github.com/creditflow/metergate/internal/catalog"
	"github.com/creditflow/metergate/pkg/models"
)

const (
	// MinCharge is the smallest number of credits ever debited for a
	// token-billed call.
	MinCharge = 5

	// ProfitMargin is the fixed ratio of raw infrastructure cost to credits
	// charged, enforced catalog-wide at startup.
	ProfitMargin = 0.4

	// Default token estimates for previews and for settlements where the
	// upstream never reported usage. Agents run multi-step and are more
	// verbose than a single standalone completion.
	defaultAgentTokens      = 2000
	defaultStandaloneTokens = 1000

	// promotionalDiscount halves the client-facing preview for models
	// flagged promotional.
	promotionalDiscount = 2
)

// Basis records whether a quote was computed before or after the call.
type Basis string

const (
	BasisEstimated Basis = "estimated"
	BasisActual    Basis = "actual"
)

// CostQuote is a priced request.
type CostQuote struct {
	Credits int64 `json:"credits"`
	Basis   Basis `json:"basis"`
}

// PreviewOptions tune the client-facing estimate.
type PreviewOptions struct {
	EstimatedTokens int64
	Promotional     bool
}

// Estimator computes preview and actual quotes from the catalog.
type Estimator struct {
	catalog *catalog.Catalog
}

// NewEstimator creates a cost estimator over the given catalog.
func NewEstimator(c *catalog.Catalog) *Estimator {
	return &Estimator{catalog: c}
}

// Preview returns the optimistic, client-facing quote for a call that has
// not happened yet.
func (e *Estimator) Preview(modelID string, opts PreviewOptions) CostQuote {
	desc := e.catalog.Describe(modelID)

	if desc.Category == catalog.CategoryMedia {
		return CostQuote{Credits: mediaPrice(desc.FixedCost), Basis: BasisEstimated}
	}

	tokens := opts.EstimatedTokens
	if tokens <= 0 {
		tokens = defaultTokens(desc.Category)
	}

	credits := tokenPrice(tokens, desc.TokenRate)
	if opts.Promotional {
		credits = credits / promotionalDiscount
		if credits < MinCharge {
			credits = MinCharge
		}
	}

	return CostQuote{Credits: credits, Basis: BasisEstimated}
}

// Actual returns the settlement quote from observed usage. A nil usage
// report falls back to the category's default estimate so a completed call
// is never free.
func (e *Estimator) Actual(modelID string, usage *models.UsageReport) CostQuote {
	desc := e.catalog.Describe(modelID)

	if desc.Category == catalog.CategoryMedia {
		// Media is fixed price; usage is ignored.
		return CostQuote{Credits: mediaPrice(desc.FixedCost), Basis: BasisActual}
	}

	tokens := usage.TokenCount()
	if tokens <= 0 {
		tokens = defaultTokens(desc.Category)
	}

	return CostQuote{Credits: tokenPrice(tokens, desc.TokenRate), Basis: BasisActual}
}

// MinimumCharge is the conservative floor used by the admission check: the
// smallest amount the requested model could possibly settle for.
func (e *Estimator) MinimumCharge(modelID string) int64 {
	desc := e.catalog.Describe(modelID)
	if desc.Category == catalog.CategoryMedia {
		return mediaPrice(desc.FixedCost)
	}
	return MinCharge
}

func defaultTokens(category catalog.Category) int64 {
	if category == catalog.CategoryAgent {
		return defaultAgentTokens
	}
	return defaultStandaloneTokens
}

// tokenPrice is ceil(tokens/1000 * rate), floored at MinCharge.
func tokenPrice(tokens, rate int64) int64 {
	credits := (tokens*rate + 999) / 1000
	if credits < MinCharge {
		credits = MinCharge
	}
	return credits
}

// mediaPrice derives the fixed price from the raw cost so that
// cost/price == ProfitMargin exactly. The margin is applied as the rational
// 2/5 rather than dividing by the float, which truncates (50/0.4 in float64
// is 124.999...).
func mediaPrice(fixedCost int64) int64 {
	return fixedCost * 5 / 2
}
