package billing

import (
	"testing"

	"lumina/internal/types"
)

func TestNewCatalog(t *testing.T) {
	c := NewCatalog()
	if c == nil {
		t.Fatal("NewCatalog returned nil")
	}
}

func TestGet_KnownTiers(t *testing.T) {
	c := NewCatalog()

	free := c.Get(types.PlanFree)
	if free.TotalCredits != 50 || free.Unlimited {
		t.Errorf("Free = %+v, want 50 credits, not unlimited", free)
	}

	standard := c.Get(types.PlanStandard)
	if standard.TotalCredits != 500 || standard.Unlimited {
		t.Errorf("Standard = %+v, want 500 credits, not unlimited", standard)
	}

	pro := c.Get(types.PlanPro)
	if pro.TotalCredits != 100_000 || !pro.Unlimited {
		t.Errorf("Pro = %+v, want 100000 credits, unlimited", pro)
	}
}

func TestGet_UnknownTierFallsBackToFree(t *testing.T) {
	c := NewCatalog()

	got := c.Get(types.PlanTier("enterprise"))
	if got.Tier != types.PlanFree {
		t.Errorf("Get(enterprise) = %s, want free fallback", got.Tier)
	}

	got = c.Get(types.PlanTier(""))
	if got.Tier != types.PlanFree {
		t.Errorf("Get(\"\") = %s, want free fallback", got.Tier)
	}
}

func TestResolve_SubstringPrecedence(t *testing.T) {
	c := NewCatalog()

	cases := []struct {
		name string
		in   string
		want types.PlanTier
	}{
		{"explicit pro", "pro", types.PlanPro},
		{"pro product name", "Lumina Pro Monthly", types.PlanPro},
		{"uppercase pro", "PRO-ANNUAL", types.PlanPro},
		{"standard", "Standard Plan", types.PlanStandard},
		{"standard lowercase", "standard", types.PlanStandard},
		// "pro" wins over "standard" when both appear.
		{"both substrings", "Pro Standard Bundle", types.PlanPro},
		{"free", "free", types.PlanFree},
		{"unrecognized", "mystery-sku-42", types.PlanFree},
		{"empty", "", types.PlanFree},
		// "professional" contains "pro".
		{"professional", "Professional", types.PlanPro},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Resolve(tc.in)
			if got.Tier != tc.want {
				t.Errorf("Resolve(%q) = %s, want %s", tc.in, got.Tier, tc.want)
			}
		})
	}
}

func TestIsUnlimitedTotal(t *testing.T) {
	if IsUnlimitedTotal(99_999) {
		t.Error("99999 should not be unlimited")
	}
	if !IsUnlimitedTotal(100_000) {
		t.Error("100000 should be unlimited")
	}
	if !IsUnlimitedTotal(250_000) {
		t.Error("250000 should be unlimited")
	}
}

func TestCatalogCopyIsIsolated(t *testing.T) {
	a := NewCatalog()
	b := NewCatalog()

	a.plans[types.PlanFree] = PlanDefinition{Tier: types.PlanFree, TotalCredits: 999}

	if b.Get(types.PlanFree).TotalCredits != 50 {
		t.Error("mutating one catalog leaked into another")
	}
}
