// Package caches holds read-through in-memory caches over durable storage.
package caches

import (
	"os"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/shipboard-chat/shipboard/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// RelationSource loads a user's relation set from durable storage.
// *state.RelationsTable is the production implementation.
type RelationSource interface {
	Select(userID string) (*state.RelationSet, error)
}

// RelationCache memoises per-user block/mute sets. Relation lists are read on
// every authenticated request and on every fan-out decision but change rarely,
// so a short TTL plus explicit invalidation on mutation keeps reads off
// postgres without serving stale visibility decisions for long.
type RelationCache struct {
	source RelationSource
	cache  *ttlcache.Cache[string, *state.RelationSet]
}

func NewRelationCache(source RelationSource, ttl time.Duration) *RelationCache {
	c := &RelationCache{
		source: source,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *state.RelationSet](ttl),
		),
	}
	go c.cache.Start()
	return c
}

func (c *RelationCache) Teardown() {
	c.cache.Stop()
}

// Relations returns the user's relation set, hitting storage on a miss. The
// returned set must be treated as immutable.
func (c *RelationCache) Relations(userID string) (*state.RelationSet, error) {
	if item := c.cache.Get(userID); item != nil {
		return item.Value(), nil
	}
	rels, err := c.source.Select(userID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(userID, rels, ttlcache.DefaultTTL)
	return rels, nil
}

// Invalidate drops the cached entry after a block/mute mutation so the next
// read observes the new lists immediately.
func (c *RelationCache) Invalidate(userID string) {
	c.cache.Delete(userID)
	logger.Trace().Str("user", userID).Msg("relation cache invalidated")
}

// BlockAndMuteSets renders the relation lists as lookup sets for an Identity.
func (c *RelationCache) BlockAndMuteSets(userID string) (blocks, mutes map[string]struct{}, err error) {
	rels, err := c.Relations(userID)
	if err != nil {
		return nil, nil, err
	}
	blocks = make(map[string]struct{}, len(rels.Blocks))
	for _, b := range rels.Blocks {
		blocks[b] = struct{}{}
	}
	mutes = make(map[string]struct{}, len(rels.Mutes))
	for _, m := range rels.Mutes {
		mutes[m] = struct{}{}
	}
	return blocks, mutes, nil
}
