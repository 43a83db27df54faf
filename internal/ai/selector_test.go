package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doklado/document-pipeline/internal/classify"
	"github.com/doklado/document-pipeline/internal/models"
)

// stubProvider satisfies Provider for registry plumbing in selector tests.
type stubProvider struct{ id string }

func (s stubProvider) ID() string { return s.id }
func (s stubProvider) Structure(context.Context, string, int) (*LLMResult, error) {
	return nil, models.NewError(models.ErrInternal, "stub", nil)
}

func fullRegistry() *Registry {
	reg := NewRegistry()
	for _, info := range DefaultModelTable() {
		reg.Register(stubProvider{id: info.ProviderID}, info)
	}
	return reg
}

func TestSelectModelEmptyRegistry(t *testing.T) {
	_, err := SelectModel(NewRegistry(), classify.Result{}, models.ModeAccuracyFirst, 0, 100, 100)
	require.Error(t, err)
}

func TestSelectModelComplexDocumentPrefersPremium(t *testing.T) {
	cls := classify.Result{DocType: models.TypeInvoice, Complexity: classify.Complex, Language: classify.LangLocal}
	sel, err := SelectModel(fullRegistry(), cls, models.ModeAccuracyFirst, 0, 2000, 2000)
	require.NoError(t, err)

	info := DefaultModelTable()[sel.ModelID]
	assert.Equal(t, TierPremium, info.Tier)
}

func TestSelectModelCostEffectiveSimpleAvoidsPremium(t *testing.T) {
	cls := classify.Result{DocType: models.TypeReceipt, Complexity: classify.Simple, Language: classify.LangEnglish}
	sel, err := SelectModel(fullRegistry(), cls, models.ModeCostEffective, 0, 500, 1000)
	require.NoError(t, err)

	info := DefaultModelTable()[sel.ModelID]
	assert.NotEqual(t, TierPremium, info.Tier)
}

func TestSelectModelCeilingFilter(t *testing.T) {
	cls := classify.Result{Complexity: classify.Complex}
	// Ceiling below premium expected cost; premium models drop out.
	expensive := DefaultModelTable()["gpt-4o"].ExpectedCost(2000, 2000)
	sel, err := SelectModel(fullRegistry(), cls, models.ModeAccuracyFirst, expensive/2, 2000, 2000)
	require.NoError(t, err)

	info := DefaultModelTable()[sel.ModelID]
	assert.LessOrEqual(t, info.ExpectedCost(2000, 2000), expensive/2)
}

func TestSelectModelAllOverCeilingFallsBackToCheapest(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"gpt-4o", "gemini-1.5-pro"} {
		info := DefaultModelTable()[id]
		reg.Register(stubProvider{id: info.ProviderID}, info)
	}

	sel, err := SelectModel(reg, classify.Result{}, models.ModeAccuracyFirst, 0.0000001, 2000, 2000)
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", sel.ModelID)
	assert.Contains(t, sel.Reason, "cheapest")
}

func TestSelectModelDeterministic(t *testing.T) {
	cls := classify.Result{DocType: models.TypeInvoice, Complexity: classify.Medium}
	first, err := SelectModel(fullRegistry(), cls, models.ModeSpeedFirst, 0, 1000, 1000)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := SelectModel(fullRegistry(), cls, models.ModeSpeedFirst, 0, 1000, 1000)
		require.NoError(t, err)
		assert.Equal(t, first.ModelID, again.ModelID)
	}
}
