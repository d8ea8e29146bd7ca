package futex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newRegistry(t *testing.T) *futex.GlobalRegistry {
	t.Helper()
	ht, err := handle.New(klog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ht.Close() })
	return futex.NewGlobalRegistry(ht, futex.New())
}

func TestGlobalRegistryCreateThenLookupSharesInstance(t *testing.T) {
	r := newRegistry(t)

	id, sem, err := r.Create("display.lock", 1, 1)
	require.NoError(t, err)

	lookedUpID, lookedUpSem, err := r.Lookup("display.lock")
	require.NoError(t, err)
	require.Equal(t, id, lookedUpID)
	require.Same(t, sem, lookedUpSem)
}

func TestGlobalRegistryDuplicateCreateReturnsExistingAndAlreadyExists(t *testing.T) {
	r := newRegistry(t)

	id, sem, err := r.Create("display.lock", 1, 1)
	require.NoError(t, err)

	dupID, dupSem, err := r.Create("display.lock", 5, 5)
	require.Equal(t, kerrors.AlreadyExists, kerrors.CodeOf(err))
	require.Equal(t, id, dupID)
	require.Same(t, sem, dupSem)
}

func TestGlobalRegistryAnonymousCreateIsNeverShared(t *testing.T) {
	r := newRegistry(t)

	id1, sem1, err := r.Create("", 0, 1)
	require.NoError(t, err)
	id2, sem2, err := r.Create("", 0, 1)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.NotSame(t, sem1, sem2)
}

func TestGlobalRegistryLookupUnknownNameIsNotFound(t *testing.T) {
	r := newRegistry(t)
	_, _, err := r.Lookup("nope")
	require.Equal(t, kerrors.NotFound, kerrors.CodeOf(err))
}

func TestGlobalRegistryDestroyThenLookupFails(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.Create("scoped", 0, 1)
	require.NoError(t, err)
	require.NoError(t, r.Destroy(id))

	_, _, err = r.Lookup("scoped")
	require.Error(t, err)
}
