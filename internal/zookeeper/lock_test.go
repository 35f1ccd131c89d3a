package zookeeper

import (
	"context"
	"sort"
	"testing"

	"checkout/internal/pkg/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceOrdering(t *testing.T) {
	children := []string{
		"_c_9f1b2c3d-lock-0000000012",
		"_c_0a1b2c3d-lock-0000000010",
		"_c_ffeeddcc-lock-0000000011",
	}
	sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })
	assert.Equal(t, "_c_0a1b2c3d-lock-0000000010", children[0])
	assert.Equal(t, "_c_9f1b2c3d-lock-0000000012", children[2])
}

func TestRelease_RejectsForeignToken(t *testing.T) {
	l := &Locker{root: lockRoot}
	err := l.Release(context.Background(), "sku-1", lock.Token("/checkout_locks/sku-2/_c_x-lock-0000000001"))
	require.ErrorIs(t, err, lock.ErrTokenMismatch)
}

func TestLockPath(t *testing.T) {
	l := &Locker{root: lockRoot}
	assert.Equal(t, "/checkout_locks/catalog_sku-1", l.lockPath("catalog/sku-1"))
}

var _ lock.Locker = (*Locker)(nil)
