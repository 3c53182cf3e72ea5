package ruleengine

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

const (
	// BucketCount is the resolution of rollout buckets in basis points.
	// A rule with PassPercentage p hits when bucket < p*100.
	BucketCount = 10_000

	// UserBucketCount is the resolution used by user_bucket conditions.
	UserBucketCount = 1_000
)

// Hash is the bucketing hash shared by every evaluator of a snapshot:
// the first 8 bytes of SHA-256(input) read as a big-endian uint64.
// Changing it reshuffles every user, so it is part of the wire contract.
func Hash(input string) uint64 {
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8])
}

// Bucket places unitID in [0, BucketCount) for a rule of a spec.
// The key is "<specSalt>.<allocationID>.<unitID>".
func Bucket(specSalt, allocationID, unitID string) uint64 {
	return Hash(specSalt+"."+allocationID+"."+unitID) % BucketCount
}

// PassesPercentage decides the rollout check of a rule.
//
// 0 never passes and 100 always passes. An empty unit ID is hashed like
// any other, so every user without one shares a single bucket per rule.
func PassesPercentage(specSalt, allocationID, unitID string, percentage float64) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return float64(Bucket(specSalt, allocationID, unitID)) < percentage*100
}

// userBucket is the value produced for user_bucket conditions.
func userBucket(salt, unitID string) string {
	return strconv.FormatUint(Hash(salt+"."+unitID)%UserBucketCount, 10)
}
