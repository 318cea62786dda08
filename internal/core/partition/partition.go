package partition

import "hash/fnv"

// Key joins a user and scope into the routing key for one enrollment.
func Key(userID, scopeKey string) string {
	return userID + "|" + scopeKey
}

// Lane returns the lane in [0, n) for key.
// Stable and deterministic: the same key always maps to the same lane for a given n.
// Hashes with FNV-32a. n < 1 is treated as 1.
func Lane(key string, n int) int {
	if n < 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
