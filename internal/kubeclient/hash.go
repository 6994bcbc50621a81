package kubeclient

import "hash/fnv"

// hashKubeconfigSet hashes the raw path set string, which is stable enough
// to key the client cache (spec.md §4.1: "kubeconfig-set-hash").
func hashKubeconfigSet(pathSet string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pathSet))
	return h.Sum64()
}
