package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/ttg/edge"
	"github.com/flowgraph/ttg/errors"
	"github.com/flowgraph/ttg/terminal"
	"github.com/flowgraph/ttg/tt"
	"github.com/flowgraph/ttg/world"
)

func TestInitializeRejectsNonPositiveWorkers(t *testing.T) {
	_, err := Initialize(world.NewLocal(), WithWorkers(0))
	require.Error(t, err)
	require.True(t, errors.Is(errors.GraphConstruction, err))
}

func TestInitializeDefaultsExposeWorldRankSize(t *testing.T) {
	w := world.NewLocal()
	c, err := Initialize(w)
	require.NoError(t, err)
	defer c.Finalize()

	require.Equal(t, 0, c.Rank())
	require.Equal(t, 1, c.Size())
	require.Same(t, w, c.World())
	require.NotNil(t, c.Pool())
}

func TestMakeExecutableFailsUntilEveryRegisteredBodyInstalled(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)
	defer c.Finalize()

	tmpl := tt.New[string](c.World(), c.Pool(), "unready")
	Register(c, tmpl)

	err = c.MakeExecutable()
	require.Error(t, err)
	require.True(t, errors.Is(errors.GraphConstruction, err))

	tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error { return nil })
	require.NoError(t, c.MakeExecutable())
}

func TestFenceDelegatesToWorld(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)
	defer c.Finalize()

	require.NoError(t, c.Fence(context.Background()))
}

func TestRecordAbortSetsReasonWithoutExiting(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)
	defer c.Finalize()

	ok, reason := c.Aborted()
	require.False(t, ok)
	require.Empty(t, reason)

	c.recordAbort("graph construction failed")

	ok, reason = c.Aborted()
	require.True(t, ok)
	require.Equal(t, "graph construction failed", reason)
}

func TestFinalizeDrainsPool(t *testing.T) {
	c, err := Initialize(world.NewLocal(), WithWorkers(2))
	require.NoError(t, err)

	var ran bool
	c.Pool().Go(0, func(ctx context.Context) { ran = true })
	require.NoError(t, c.Finalize())
	require.True(t, ran)
}

func TestMakeExecutableRejectsUnbalancedEdge(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)
	defer c.Finalize()

	tmpl := tt.New[string](c.World(), c.Pool(), "producer")
	out := tt.Output[string, int](tmpl, "out")
	tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error { return nil })
	Register(c, tmpl)

	e := edge.New[string, int]("orphan")
	e.SetIn(out)
	RegisterEdge(c, e)

	err = c.MakeExecutable()
	require.Error(t, err)
	require.True(t, errors.Is(errors.GraphConstruction, err))
}

func TestMakeExecutablePassesBalancedEdge(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)
	defer c.Finalize()

	producer := tt.New[string](c.World(), c.Pool(), "producer")
	out := tt.Output[string, int](producer, "out")
	producer.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error { return nil })
	Register(c, producer)

	consumer := tt.New[string](c.World(), c.Pool(), "consumer")
	in := tt.Input[string, int](consumer, "in", terminal.Read)
	consumer.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error { return nil })
	Register(c, consumer)

	e := edge.New[string, int]("wired")
	e.SetIn(out)
	e.SetOut(in)
	RegisterEdge(c, e)

	require.NoError(t, c.MakeExecutable())
}

func TestFinalizeReportsTeardownLeak(t *testing.T) {
	c, err := Initialize(world.NewLocal())
	require.NoError(t, err)

	tmpl := tt.New[string](c.World(), c.Pool(), "stuck")
	in := tt.Input[string, int](tmpl, "a", terminal.Read)
	tt.Input[string, int](tmpl, "b", terminal.Read)
	tmpl.MakeExecutable(func(ctx context.Context, rec *tt.Record[string], outs []any) error { return nil })
	Register(c, tmpl)

	// Only input a receives a value; the record for "k1" never
	// becomes ready, leaking a pending record past Finalize.
	require.NoError(t, in.Send(context.Background(), "k1", 1))

	err = c.Finalize()
	require.Error(t, err)
	require.True(t, errors.Is(errors.TeardownLeak, err))
	require.Contains(t, err.Error(), "stuck")

	require.NoError(t, c.Pool().Close())
}
