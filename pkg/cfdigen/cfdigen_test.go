package cfdigen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/packaging"
)

func TestGenerateDeterministic(t *testing.T) {
	p := Params{OwnerRFC: "EKU9003173C9", Emitted: true}
	a, err := Generate(p)
	require.NoError(t, err)
	b, err := Generate(p)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same parameters must produce identical archives")
}

func TestGeneratedArchiveRoundTrips(t *testing.T) {
	raw, err := Generate(Params{
		OwnerRFC: "EKU9003173C9",
		Emitted:  true,
		Start:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	invoices, err := packaging.ParsePackage(raw)
	require.NoError(t, err)
	require.Len(t, invoices, 2)

	for i, inv := range invoices {
		assert.False(t, inv.Fallback, "generated documents parse structurally")
		assert.NotEmpty(t, inv.UUID)
		assert.Equal(t, "EKU9003173C9", inv.IssuerRFC)
		assert.Equal(t, PublicRFC, inv.ReceiverRFC)
		assert.Equal(t, "I", inv.Kind)
		assert.InDelta(t, inv.Subtotal*ivaRate, inv.Tax, 0.01)
		assert.InDelta(t, inv.Subtotal+inv.Tax, inv.Total, 0.01)
		assert.Equal(t, time.Date(2024, 3, 1+i, 12, 0, 0, 0, time.UTC), inv.IssueDate)
	}
}

func TestGenerateReceivedSide(t *testing.T) {
	raw, err := Generate(Params{OwnerRFC: "EKU9003173C9", Emitted: false, Count: 1})
	require.NoError(t, err)

	invoices, err := packaging.ParsePackage(raw)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, PublicRFC, invoices[0].IssuerRFC)
	assert.Equal(t, "EKU9003173C9", invoices[0].ReceiverRFC)
}
