// Package shard picks a stable coordination bucket for a resource path,
// bounding the number of locks and in-flight tables the fetch engine needs
// regardless of how many distinct resources are seen.
package shard

import "hash/fnv"

// Count is the number of coordination shards. Any fixed power of two
// suffices; 1024 matches the granularity the reference implementation
// settled on.
const Count = 1024

// Of returns the shard index in [0, Count) for the given resource path. The
// mapping is deterministic for the lifetime of the process: the same path
// always lands on the same shard, so coordination for one resource never
// splits across two shards.
func Of(resourcePath string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resourcePath))

	return int(h.Sum32() % Count)
}
