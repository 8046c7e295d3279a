//go:build hotswap_debug

package barrier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	stageScope Scope = iota
	editScope
)

func TestCheckCatchesMissingBarrier(t *testing.T) {
	m := NewManager(&fakeWorkers{})
	m.Require(stageScope)
	require.Panics(t, func() { m.Check(stageScope) })

	m.Schedule(&Barrier{Scope: stageScope}, nil, 0)
	require.NotPanics(t, func() { m.Check(stageScope) })

	m.Require(stageScope)
	m.Blocking(stageScope, nil)
	require.NotPanics(t, func() { m.Check(stageScope) })
	m.FinishBlocking()
}

func TestScopesAreIndependent(t *testing.T) {
	m := NewManager(&fakeWorkers{})
	m.Require(stageScope)
	require.NotPanics(t, func() { m.Check(editScope) })

	// A barrier of another scope does not settle the debt.
	m.Schedule(&Barrier{Scope: editScope}, nil, 0)
	require.Panics(t, func() { m.Check(stageScope) })

	m.Schedule(&Barrier{Scope: stageScope}, nil, 0)
	require.NotPanics(t, func() { m.Check(stageScope) })
}
