package caches

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipboard-chat/shipboard/state"
)

type fakeSource struct {
	mu    sync.Mutex
	sets  map[string]*state.RelationSet
	loads int
}

func (f *fakeSource) Select(userID string) (*state.RelationSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if rs, ok := f.sets[userID]; ok {
		return rs, nil
	}
	return &state.RelationSet{}, nil
}

func TestRelationCacheReadThrough(t *testing.T) {
	source := &fakeSource{sets: map[string]*state.RelationSet{
		"alice": {Blocks: []string{"bob"}, Mutes: []string{"carol"}},
	}}
	cache := NewRelationCache(source, time.Minute)
	defer cache.Teardown()

	rels, err := cache.Relations("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, rels.Blocks)

	_, err = cache.Relations("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, source.loads, "second read must come from cache")

	cache.Invalidate("alice")
	_, err = cache.Relations("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads, "invalidation must force a reload")
}

func TestBlockAndMuteSets(t *testing.T) {
	source := &fakeSource{sets: map[string]*state.RelationSet{
		"alice": {Blocks: []string{"bob"}, Mutes: []string{"carol", "dave"}},
	}}
	cache := NewRelationCache(source, time.Minute)
	defer cache.Teardown()

	blocks, mutes, err := cache.BlockAndMuteSets("alice")
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Contains(t, blocks, "bob")
	assert.Len(t, mutes, 2)

	// users with no stored relations get empty, non-nil sets
	blocks, mutes, err = cache.BlockAndMuteSets("nobody")
	require.NoError(t, err)
	assert.NotNil(t, blocks)
	assert.NotNil(t, mutes)
	assert.Empty(t, blocks)
	assert.Empty(t, mutes)
}
