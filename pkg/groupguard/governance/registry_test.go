package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveOwner(t *testing.T) {
	t.Run("fetches once", func(t *testing.T) {
		gw := newFakeGateway(botB)
		gw.addGroup(testGroup())
		r := NewRegistry(gw)

		for range 2 {
			owner, err := r.ResolveOwner(context.Background(), groupG)
			require.NoError(t, err)
			assert.Equal(t, ownerO, owner)
		}
		assert.Equal(t, int32(1), gw.metaCalls.Load())
	})

	t.Run("concurrent first sight shares one fetch", func(t *testing.T) {
		gw := newFakeGateway(botB)
		gw.addGroup(testGroup())
		gw.metaDelay = 20 * time.Millisecond
		r := NewRegistry(gw)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				owner, err := r.ResolveOwner(context.Background(), groupG)
				assert.NoError(t, err)
				assert.Equal(t, ownerO, owner)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), gw.metaCalls.Load())
	})

	t.Run("fetch failure is not cached", func(t *testing.T) {
		gw := newFakeGateway(botB)
		gw.addGroup(testGroup())
		gw.metaErr = errors.New("timeout")
		r := NewRegistry(gw)

		_, err := r.ResolveOwner(context.Background(), groupG)
		require.ErrorIs(t, err, ErrMetadataFetch)
		assert.Zero(t, r.Len())

		gw.metaErr = nil
		owner, err := r.ResolveOwner(context.Background(), groupG)
		require.NoError(t, err)
		assert.Equal(t, ownerO, owner)
	})

	t.Run("metadata without owner", func(t *testing.T) {
		gw := newFakeGateway(botB)
		gw.addGroup(&Group{ID: groupG})
		r := NewRegistry(gw)

		_, err := r.ResolveOwner(context.Background(), groupG)
		assert.ErrorIs(t, err, ErrMetadataFetch)
	})
}

func TestRegistry_OwnerIsImmutable(t *testing.T) {
	gw := newFakeGateway(botB)
	r := NewRegistry(gw)

	assert.True(t, r.Record(groupG, ownerO))
	assert.False(t, r.Record(groupG, userA))
	assert.False(t, r.Record("", ownerO))

	owner, err := r.ResolveOwner(context.Background(), groupG)
	require.NoError(t, err)
	assert.Equal(t, ownerO, owner)
	assert.Zero(t, gw.metaCalls.Load())
}
