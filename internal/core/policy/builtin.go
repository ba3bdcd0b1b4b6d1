package policy

import "canopy-ads/internal/core/domain"

// Builtin returns the default policy table for the regulated category.
// It mirrors the policy source's published platform guidance: mainstream
// platforms prohibit the category outright and get term rules plus
// workaround angles, while the category-native marketplaces allow it under
// operational best practices.
func Builtin() *Table {
	return build(
		PlatformPolicy{
			Platform:          domain.PlatformFacebook,
			Allowed:           false,
			ApprovalThreshold: DefaultApprovalThreshold,
			RejectionFloor:    DefaultRejectionFloor,
			Rules: rules(domain.PlatformFacebook, map[string][]string{
				"cannabis_content": {"cannabis", "marijuana", "weed", "thc"},
				"cbd_products":     {"cbd"},
				"hemp_products":    {"hemp"},
			}),
			Workarounds:        []string{"wellness_angle", "lifestyle_focus", "educational_content"},
			CreativeStrategies: []string{"plant_based_wellness", "natural_remedies", "health_and_wellness"},
		},
		PlatformPolicy{
			Platform:          domain.PlatformInstagram,
			Allowed:           false,
			ApprovalThreshold: DefaultApprovalThreshold,
			RejectionFloor:    DefaultRejectionFloor,
			Rules: rules(domain.PlatformInstagram, map[string][]string{
				"cannabis_imagery":  {"cannabis", "marijuana", "weed", "thc"},
				"product_promotion": {"cbd", "tincture", "edible"},
				"dispensary_ads":    {"dispensary"},
			}),
			Workarounds:        []string{"brand_awareness", "educational_posts", "community_building"},
			CreativeStrategies: []string{"lifestyle_branding", "wellness_education", "brand_storytelling"},
		},
		PlatformPolicy{
			Platform:          domain.PlatformGoogleAds,
			Allowed:           false,
			ApprovalThreshold: DefaultApprovalThreshold,
			RejectionFloor:    DefaultRejectionFloor,
			Rules: rules(domain.PlatformGoogleAds, map[string][]string{
				"cannabis_keywords":    {"cannabis", "marijuana", "weed", "thc"},
				"cbd_products":         {"cbd"},
				"dispensary_promotion": {"dispensary"},
			}),
			Workarounds:        []string{"wellness_keywords", "educational_content", "brand_terms"},
			CreativeStrategies: []string{"health_and_wellness", "natural_products", "educational_focus"},
		},
		PlatformPolicy{
			Platform:           domain.PlatformWeedmaps,
			Allowed:            true,
			ApprovalThreshold:  DefaultApprovalThreshold,
			RejectionFloor:     DefaultRejectionFloor,
			BestPractices:      []string{"high_quality_photos", "detailed_descriptions", "customer_reviews"},
			CreativeStrategies: []string{"product_showcase", "strain_education", "deals_and_promotions"},
		},
		PlatformPolicy{
			Platform:           domain.PlatformLeafly,
			Allowed:            true,
			ApprovalThreshold:  DefaultApprovalThreshold,
			RejectionFloor:     DefaultRejectionFloor,
			BestPractices:      []string{"educational_content", "strain_reviews", "dispensary_profiles"},
			CreativeStrategies: []string{"expert_content", "strain_spotlights", "educational_series"},
		},
	)
}

func rules(platform domain.Platform, categories map[string][]string) []domain.ComplianceRule {
	var out []domain.ComplianceRule
	for category, terms := range categories {
		for _, term := range terms {
			out = append(out, domain.ComplianceRule{Platform: platform, Term: term, Category: category})
		}
	}
	return out
}
