// Package election implements the stable-jitter ownership election used by
// the drain and evict reconcilers to pick a single acting replica among the
// controller's own pods without a consensus protocol, and to cede the first
// Exclusive window to whatever "original" controller already owns the pod.
package election

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// JitterWindow is the span the stable jitter is drawn from.
const JitterWindow = 10 * time.Second

// Exclusive is the window ceded to the original controller before any
// non-owning replica is allowed to act on a pod.
const Exclusive = 10 * time.Second

// Jitter deterministically derives a duration in [0, JitterWindow) from
// instanceID and the pod's namespace/name. Two calls with identical inputs
// always return identical output — this is why the seed comes from a
// stdlib hash rather than crypto/rand or any non-deterministic source.
func Jitter(instanceID, namespace, name string) time.Duration {
	return jitterWithin(instanceID, namespace, name, JitterWindow)
}

func jitterWithin(instanceID, namespace, name string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	seed := seedFor(instanceID, namespace, name)
	r := rand.New(rand.NewSource(seed))
	return time.Duration(r.Int63n(int64(window)))
}

// seedFor computes a deterministic int64 seed from the election key.
func seedFor(instanceID, namespace, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(instanceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// EffectiveInstant computes the instant a reconciler owned by instanceID
// should treat as "go" for a pod it does not itself control: baseline plus
// the exclusivity window ceded to the original controller, plus this
// instance's stable jitter on top. When amOwner is true, baseline is used
// as-is (the owning instance needs no deference).
func EffectiveInstant(baseline time.Time, amOwner bool, instanceID, namespace, name string) time.Time {
	if amOwner {
		return baseline
	}
	return baseline.Add(Exclusive).Add(Jitter(instanceID, namespace, name))
}
