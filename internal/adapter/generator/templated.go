// Package generator renders candidate ad content from built-in templates.
// Restricted platforms get wellness and lifestyle framing that stays away
// from the policy table's restricted vocabulary; category-native platforms
// get direct product copy. It stands in for an external creative service
// behind the same port.
package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"canopy-ads/internal/core/domain"
	"canopy-ads/internal/core/policy"
	"canopy-ads/internal/core/port"
)

// DefaultVariantsPerPlatform is how many candidates one Generate call
// returns when the caller does not configure a count.
const DefaultVariantsPerPlatform = 2

type template struct {
	angle    string // matched against workaround hints
	headline string
	body     string
}

// Wellness-framed copy for platforms that prohibit the category. Templates
// must not contain restricted vocabulary; TestTemplatesPassCompliance keeps
// that honest against the builtin policy table.
var restrictedTemplates = []template{
	{
		angle:    "wellness",
		headline: "Find Your Natural Balance with %s",
		body:     "Plant-based wellness for everyday calm. Discover natural botanicals that support rest, recovery and balance.",
	},
	{
		angle:    "lifestyle",
		headline: "Elevate Your Evening Routine",
		body:     "Clean, minimalist self-care inspired by nature. See why so many people made %s part of their nightly ritual.",
	},
	{
		angle:    "educational",
		headline: "The Science of Botanical Wellness",
		body:     "Learn how plant-based remedies support relaxation and recovery, in a new educational series from %s.",
	},
	{
		angle:    "brand",
		headline: "Meet %s",
		body:     "A brand built on quality, transparency and community. Follow along for stories, tips and lifestyle inspiration.",
	},
}

// Direct product copy for category-native marketplaces.
var allowedTemplates = []template{
	{
		angle:    "showcase",
		headline: "Small-Batch Quality from %s",
		body:     "Premium craft cannabis, precision-dose edibles and solvent-free concentrates. Browse the live menu and today's deals.",
	},
	{
		angle:    "strains",
		headline: "Strain Spotlight: New This Week at %s",
		body:     "Terpene profiles, effects and grower notes for this week's drops, with verified customer reviews.",
	},
	{
		angle:    "deals",
		headline: "Today's Deals at %s",
		body:     "Daily specials on flower, edibles and more. Order ahead for express dispensary pickup.",
	},
}

// Templated implements port.ContentGenerator from static templates plus the
// policy table's creative strategies.
type Templated struct {
	source      *policy.Source
	perPlatform int
	now         func() time.Time
	newID       func() string
}

var _ port.ContentGenerator = (*Templated)(nil)

func NewTemplated(source *policy.Source, perPlatform int) *Templated {
	if perPlatform <= 0 {
		perPlatform = DefaultVariantsPerPlatform
	}
	return &Templated{
		source:      source,
		perPlatform: perPlatform,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithClock overrides variant timestamps, for tests.
func (g *Templated) WithClock(now func() time.Time) *Templated {
	g.now = now
	return g
}

// Generate renders candidate variants for the platform. Hints are
// workaround angles from a failed compliance round; when present they pick
// the templates to lead with, so regenerated content moves toward what the
// platform accepts.
func (g *Templated) Generate(ctx context.Context, campaign domain.Campaign, platform domain.Platform, hints []string) ([]domain.ContentVariant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(campaign.Name) == "" {
		return nil, fmt.Errorf("campaign %s has no name to build copy from: %w", campaign.ID, port.ErrInvalidCampaignSpec)
	}
	pp, ok := g.source.Current().Policy(platform)
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", platform, port.ErrUnknownPlatform)
	}

	pool := restrictedTemplates
	if pp.Allowed {
		pool = allowedTemplates
	}
	ordered := orderByHints(pool, hints)

	now := g.now().UTC()
	variants := make([]domain.ContentVariant, 0, g.perPlatform)
	for i := 0; i < g.perPlatform; i++ {
		tpl := ordered[i%len(ordered)]
		variants = append(variants, domain.ContentVariant{
			ID:         g.newID(),
			CampaignID: campaign.ID,
			Platform:   platform,
			Headline:   fill(tpl.headline, campaign.Name),
			Body:       fill(tpl.body, campaign.Name),
			Strategy:   strategyFor(pp, i),
			CreatedAt:  now,
		})
	}
	return variants, nil
}

// orderByHints moves templates whose angle appears in a hint to the front,
// preserving relative order otherwise.
func orderByHints(pool []template, hints []string) []template {
	if len(hints) == 0 {
		return pool
	}
	hinted := make([]template, 0, len(pool))
	rest := make([]template, 0, len(pool))
	for _, tpl := range pool {
		if matchesHint(tpl.angle, hints) {
			hinted = append(hinted, tpl)
		} else {
			rest = append(rest, tpl)
		}
	}
	return append(hinted, rest...)
}

func matchesHint(angle string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(strings.ToLower(h), angle) {
			return true
		}
	}
	return false
}

func strategyFor(pp policy.PlatformPolicy, i int) string {
	if len(pp.CreativeStrategies) == 0 {
		return ""
	}
	return pp.CreativeStrategies[i%len(pp.CreativeStrategies)]
}

func fill(tpl, name string) string {
	if strings.Contains(tpl, "%s") {
		return fmt.Sprintf(tpl, name)
	}
	return tpl
}
