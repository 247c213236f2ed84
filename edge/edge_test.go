package edge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/ttg/terminal"
)

func newIn(t *testing.T, name string) (*terminal.In[string, int], *[]int) {
	t.Helper()
	var got []int
	in := terminal.New[string, int](name, terminal.Read, false)
	in.InstallCallbacks(terminal.Callbacks[string, int]{
		Send: func(ctx context.Context, k string, v int) error { got = append(got, v); return nil },
	})
	return in, &got
}

func TestSetOutThenSetInWires(t *testing.T) {
	e := New[string, int]("e")
	in, got := newIn(t, "in")
	e.SetOut(in)

	out := terminal.NewOut[string, int]("out", false)
	e.SetIn(out)

	require.NoError(t, out.Send(context.Background(), "k", 7))
	require.Equal(t, []int{7}, *got)
}

func TestSetInThenSetOutWires(t *testing.T) {
	e := New[string, int]("e")
	out := terminal.NewOut[string, int]("out", false)
	e.SetIn(out)

	in, got := newIn(t, "in")
	e.SetOut(in)

	require.NoError(t, out.Send(context.Background(), "k", 9))
	require.Equal(t, []int{9}, *got)
}

func TestFuseFansOutToAllInputs(t *testing.T) {
	e1 := New[string, int]("e1")
	e2 := New[string, int]("e2")

	out1 := terminal.NewOut[string, int]("out1", false)
	out2 := terminal.NewOut[string, int]("out2", false)
	e1.SetIn(out1)
	e2.SetIn(out2)

	in1, got1 := newIn(t, "in1")
	in2, got2 := newIn(t, "in2")
	e1.SetOut(in1)
	e2.SetOut(in2)

	fused, err := Fuse[string, int]("fused", e1, e2)
	require.NoError(t, err)
	require.Equal(t, 2, fused.NumOuts())
	require.Equal(t, 2, fused.NumIns())

	in3, got3 := newIn(t, "in3")
	fused.SetOut(in3)

	require.NoError(t, out1.Send(context.Background(), "k", 1))
	require.Equal(t, []int{1}, *got1)
	require.Equal(t, []int{1}, *got3)
	require.Equal(t, []int{1}, *got2)
}

type fakePull struct{}

func (fakePull) IsPullPayload() {}

func TestFuseRejectsMixedPullPush(t *testing.T) {
	push := New[string, int]("push")
	pull := New[string, int]("pull", WithPull(fakePull{}))

	_, err := Fuse[string, int]("fused", push, pull)
	require.Error(t, err)
}

func TestFuseRequiresAtLeastOneEdge(t *testing.T) {
	_, err := Fuse[string, int]("fused")
	require.Error(t, err)
}

func TestBalancedOnFreshEdge(t *testing.T) {
	e := New[string, int]("e")
	require.True(t, e.Balanced())
}

func TestBalancedRejectsOutOnlyEdge(t *testing.T) {
	e := New[string, int]("e")
	out := terminal.NewOut[string, int]("out", false)
	e.SetIn(out)
	require.False(t, e.Balanced())
}

func TestBalancedRejectsInOnlyEdge(t *testing.T) {
	e := New[string, int]("e")
	in, _ := newIn(t, "in")
	e.SetOut(in)
	require.False(t, e.Balanced())
}

func TestBalancedOnceBothSidesWired(t *testing.T) {
	e := New[string, int]("e")
	out := terminal.NewOut[string, int]("out", false)
	in, _ := newIn(t, "in")
	e.SetIn(out)
	e.SetOut(in)
	require.True(t, e.Balanced())
}
