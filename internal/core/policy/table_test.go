package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"canopy-ads/internal/core/domain"
)

const sampleYAML = `
platforms:
  facebook:
    allowed: false
    restricted_categories:
      cannabis_content: [cannabis, marijuana]
      cbd_products: [cbd]
    term_weights:
      cbd: 0.4
    workarounds: [wellness_angle]
  weedmaps:
    allowed: true
    best_practices: [high_quality_photos]
`

func TestParse(t *testing.T) {
	table, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())

	fb, ok := table.Policy(domain.PlatformFacebook)
	require.True(t, ok)
	require.False(t, fb.Allowed)
	require.Len(t, fb.Rules, 3)
	// Rules come back sorted by term regardless of YAML map order.
	require.Equal(t, "cannabis", fb.Rules[0].Term)
	require.Equal(t, "cbd", fb.Rules[1].Term)
	require.Equal(t, "marijuana", fb.Rules[2].Term)
	require.Equal(t, "cbd_products", fb.Rules[1].Category)
	require.Equal(t, 0.4, fb.Rules[1].Weight)
	require.Zero(t, fb.Rules[0].Weight, "unweighted terms fall back to the uniform weight at evaluation time")
	require.Equal(t, []string{"wellness_angle"}, fb.Workarounds)
	require.Equal(t, DefaultApprovalThreshold, fb.ApprovalThreshold)

	wm, ok := table.Policy(domain.PlatformWeedmaps)
	require.True(t, ok)
	require.True(t, wm.Allowed)
	require.Empty(t, wm.Rules)
}

func TestParseRejectsBadSpecs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no platforms", `platforms: {}`},
		{"empty term", "platforms:\n  facebook:\n    restricted_terms: [\"\"]"},
		{"floor above threshold", "platforms:\n  facebook:\n    approval_threshold: 0.5\n    rejection_floor: 0.9"},
		{"weight out of range", "platforms:\n  facebook:\n    restricted_terms: [cbd]\n    term_weights:\n      cbd: 1.5"},
		{"not yaml", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestUniformWeight(t *testing.T) {
	table, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	fb, _ := table.Policy(domain.PlatformFacebook)
	require.InDelta(t, 1.0/3.0, fb.UniformWeight(), 1e-9)

	wm, _ := table.Policy(domain.PlatformWeedmaps)
	require.Zero(t, wm.UniformWeight())
}

func TestMatchCountsWordBoundaries(t *testing.T) {
	table, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	fb, _ := table.Policy(domain.PlatformFacebook)

	idx := -1
	for i, r := range fb.Rules {
		if r.Term == "cannabis" {
			idx = i
		}
	}
	require.NotEqual(t, -1, idx)

	require.Equal(t, 2, fb.Match(idx, "Cannabis products and more cannabis"))
	require.Equal(t, 1, fb.Match(idx, "CANNABIS, capitalized and punctuated."))
	require.Equal(t, 0, fb.Match(idx, "cannabisoid is not a whole-word hit"))
	require.Equal(t, 0, fb.Match(idx, "plant-based wellness copy"))
}

func TestBuiltinTable(t *testing.T) {
	table := Builtin()
	require.Equal(t, 5, table.Len())

	for _, p := range []domain.Platform{domain.PlatformFacebook, domain.PlatformInstagram, domain.PlatformGoogleAds} {
		pp, ok := table.Policy(p)
		require.True(t, ok, p)
		require.False(t, pp.Allowed, p)
		require.NotEmpty(t, pp.Rules, p)
		require.NotEmpty(t, pp.Workarounds, p)
	}
	for _, p := range []domain.Platform{domain.PlatformWeedmaps, domain.PlatformLeafly} {
		pp, ok := table.Policy(p)
		require.True(t, ok, p)
		require.True(t, pp.Allowed, p)
		require.Empty(t, pp.Rules, p)
		require.NotEmpty(t, pp.BestPractices, p)
	}

	// Facebook carries six term rules, so each tripped occurrence costs 1/6.
	fb, _ := table.Policy(domain.PlatformFacebook)
	require.Len(t, fb.Rules, 6)
	require.InDelta(t, 1.0/6.0, fb.UniformWeight(), 1e-9)
}
