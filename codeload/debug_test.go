//go:build hotswap_debug

package codeload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/hotswap/modtab"
	"github.com/chazu/hotswap/permission"
)

func TestCommitWithoutRendezvousPanics(t *testing.T) {
	r := newRuntime(t)
	ctx := testContext(t)

	lease, err := r.Permissions.Seize(ctx, permission.Staging, r.NewRequester())
	require.NoError(t, err)
	defer lease.Release()

	noop := func(*modtab.Table) error { return nil }
	_, _, err = r.stage(ctx, lease, 0, noop)
	require.NoError(t, err)

	require.Panics(t, func() { r.Barriers.Check(stagingScope) })
	require.Panics(t, func() { _, _, _ = r.stage(ctx, lease, 0, noop) })
	require.NotPanics(t, func() { r.Barriers.Check(modifyScope) })
}

func TestScheduledCyclesDoNotPanic(t *testing.T) {
	r := newRuntime(t)
	ctx := testContext(t)
	requester := r.NewRequester()

	require.NotPanics(t, func() {
		v1 := load(t, r, "lists", "v1")
		load(t, r, "lists", "v2")

		b, err := r.SetBreakpoints(ctx, requester, v1.Identity, 1)
		require.NoError(t, err)
		require.NoError(t, b.Wait(ctx))

		b, err = r.Purge(ctx, requester, v1.Identity)
		require.NoError(t, err)
		require.NoError(t, b.Wait(ctx))

		load(t, r, "lists", "v3")
		_, err = r.PurgeAll(ctx, requester)
		require.NoError(t, err)
		load(t, r, "lists", "v4")
	})
}
