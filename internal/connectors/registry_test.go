package connectors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

type fakeFactory struct {
	prefix  string
	specs   []params.Spec
	created *params.Parameters
}

func (f *fakeFactory) Prefix() string                { return f.prefix }
func (f *fakeFactory) ParameterSpecs() []params.Spec { return f.specs }
func (f *fakeFactory) Create(_ context.Context, p *params.Parameters) (DataConnector, error) {
	f.created = p
	return &fakeConnector{}, nil
}

type fakeConnector struct{}

func (*fakeConnector) ReadProvider(context.Context, Dataset) (TableProvider, error) {
	return nil, nil
}

func TestRegistry_ConnectResolvesParameters(t *testing.T) {
	// Arrange
	factory := &fakeFactory{
		prefix: "demo",
		specs: []params.Spec{
			{Name: "region", Scope: params.ScopeComponent, Required: true},
		},
	}
	registry := NewRegistry(nil, zap.NewNop())
	registry.Register(factory)
	registry.Freeze()
	dataset := Dataset{Name: "d", From: "demo:things"}

	// Act
	conn, err := registry.Connect(context.Background(), dataset,
		map[string]params.Secret{"demo_region": params.NewSecret("us-east-1")})

	// Assert
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, "us-east-1", factory.created.Get("region").Expose())
}

func TestRegistry_UnknownPrefix(t *testing.T) {
	registry := NewRegistry(nil, zap.NewNop())
	registry.Freeze()

	_, err := registry.Connect(context.Background(), Dataset{Name: "d", From: "nope:x"}, nil)

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindNotFound))
}

func TestRegistry_MissingRequiredParameterFailsBeforeCreate(t *testing.T) {
	factory := &fakeFactory{
		prefix: "demo",
		specs: []params.Spec{
			{Name: "region", Scope: params.ScopeComponent, Required: true},
		},
	}
	registry := NewRegistry(nil, zap.NewNop())
	registry.Register(factory)
	registry.Freeze()

	_, err := registry.Connect(context.Background(), Dataset{Name: "d", From: "demo:x"}, nil)

	require.Error(t, err)
	assert.Nil(t, factory.created)
	assert.Contains(t, err.Error(), "demo_region")
}

func TestRegistry_FrozenRejectsRegistration(t *testing.T) {
	registry := NewRegistry(nil, zap.NewNop())
	registry.Freeze()

	assert.Panics(t, func() {
		registry.Register(&fakeFactory{prefix: "late"})
	})
}

func TestDataset_PrefixAndLocator(t *testing.T) {
	d := Dataset{From: "delta_lake:/tmp/delta_table_partition"}
	assert.Equal(t, "delta_lake", d.Prefix())
	assert.Equal(t, "/tmp/delta_table_partition", d.Locator())
}

func TestFilter_SQLRendering(t *testing.T) {
	assert.Equal(t, `"ts" > 100`, Filter{Column: "ts", Op: OpGt, Value: 100}.String())
	assert.Equal(t, `"name" = 'O''Brien'`, Filter{Column: "name", Op: OpEq, Value: "O'Brien"}.String())
}
