package store

import "fmt"

// Redis key pattern helpers
//
// All ephemeral keys are namespaced by instance name so multiple Warren
// instances can safely coexist on a single Redis server.
//
// Key pattern: warren:{instance_name}:{entity}:{id}

// RecoveryTokenKey returns the Redis key for a recovery token.
// Pattern: warren:{instance_name}:recovery_token:{token}
func RecoveryTokenKey(instanceName, token string) string {
	return fmt.Sprintf("warren:%s:recovery_token:%s", instanceName, token)
}

// RecoveryRateKey returns the Redis key for a recovery rate-limit counter.
// The identity must already be normalized (lowercased, trimmed) by the
// caller; case variation must not mint distinct counters.
// Pattern: warren:{instance_name}:recovery_rate:{identity}
func RecoveryRateKey(instanceName, identity string) string {
	return fmt.Sprintf("warren:%s:recovery_rate:%s", instanceName, identity)
}
