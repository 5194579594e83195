// Package syncutil holds small concurrency helpers shared across packages.
package syncutil

import "hash/fnv"

// Shard maps key onto [0, n).
func Shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
