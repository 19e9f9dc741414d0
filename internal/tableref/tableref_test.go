package tableref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_BareNameFoldsToLower(t *testing.T) {
	ref := Parse("LineItem")
	assert.Equal(t, "lineitem", ref.Table)
	assert.Empty(t, ref.Schema)
	assert.Empty(t, ref.Catalog)
}

func TestParse_QuotedNameKeepsSpelling(t *testing.T) {
	ref := Parse(`"LineItem"`)
	assert.Equal(t, "LineItem", ref.Table)
}

func TestParse_MixedQuotingFoldsPerPart(t *testing.T) {
	// Only the quoted part keeps its spelling; the unquoted part folds even
	// though another part of the same reference is quoted.
	ref := Parse(`Foo."Bar"`)
	assert.Equal(t, "foo", ref.Schema)
	assert.Equal(t, "Bar", ref.Table)

	// And the reverse: quoted qualifier, bare table.
	ref = Parse(`"Foo".Bar`)
	assert.Equal(t, "Foo", ref.Schema)
	assert.Equal(t, "bar", ref.Table)
}

func TestParse_QuotedLowercaseEqualsFolded(t *testing.T) {
	// A quoted all-lowercase part parses the same as its bare form.
	assert.Equal(t, Parse("orders"), Parse(`"orders"`))
}

func TestParse_TwoAndThreeParts(t *testing.T) {
	two := Parse("sales.orders")
	assert.Equal(t, "sales", two.Schema)
	assert.Equal(t, "orders", two.Table)

	three := Parse("prod.sales.orders")
	assert.Equal(t, "prod", three.Catalog)
	assert.Equal(t, "sales", three.Schema)
	assert.Equal(t, "orders", three.Table)
}

func TestResolve_FillsDefaults(t *testing.T) {
	ref := Parse("orders").Resolve("helios", "public")
	assert.Equal(t, "helios", ref.Catalog)
	assert.Equal(t, "public", ref.Schema)
	assert.Equal(t, "helios.public.orders", ref.String())
}

func TestSet_Membership(t *testing.T) {
	set := NewSet(Parse("a"), Parse("b.c"))
	assert.True(t, set.Contains(Parse("a")))
	assert.True(t, set.Contains(Parse("b.c")))
	assert.False(t, set.Contains(Parse("d")))
	assert.Len(t, set.Slice(), 2)
}
