package cluster

import "github.com/spaolacci/murmur3"

// ShardForKey maps a record key to a shard. The mapping depends only on the
// key and the shard count, so it is stable for as long as the shard count
// is unchanged.
func ShardForKey(key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return int(murmur3.Sum64([]byte(key)) % uint64(numShards))
}
