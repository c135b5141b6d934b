package shard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/pkgcache/pkg/shard"
)

func TestOfIsDeterministic(t *testing.T) {
	t.Parallel()

	paths := []string{"artifact/deadbeef", "registry/u/h", "package/u/h", "registries"}

	for _, p := range paths {
		first := shard.Of(p)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, shard.Of(p))
		}

		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, shard.Count)
	}
}

func TestOfDistributes(t *testing.T) {
	t.Parallel()

	seen := make(map[int]struct{})

	for i := 0; i < 500; i++ {
		seen[shard.Of("artifact/"+string(rune('a'+i%26))+string(rune('0'+i%10)))] = struct{}{}
	}

	assert.Greater(t, len(seen), 1, "expected distinct paths to spread across more than one shard")
}
