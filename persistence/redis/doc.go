// Package redis provides Redis-based implementations of bundlerarmy persistence interfaces.
//
// It provides two stores:
//   - StatusStore: implements bundlerarmy.StatusStore so user operation
//     statuses outlive the process and expire with native key expiry
//   - BundleStore: implements bundlerarmy.BundleStore so bundles still in
//     flight at shutdown can be resolved by Executor.Recover
//
// # Basic Usage
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	monitor := bundlerarmy.NewStatusMonitor(
//	    bundlerarmy.WithStatusStore(redisstore.NewStatusStore(client, chainID)),
//	)
//	executor, err := bundlerarmy.NewExecutor(deps,
//	    bundlerarmy.WithBundleStore(redisstore.NewBundleStore(client)),
//	)
//
// # Redis Key Structure
//
// StatusStore:
//
//   - {prefix}:{chainID}:userop_status:{hash} - status JSON, expires after the status TTL
//
// BundleStore:
//
//   - {prefix}:{chainID}:bundle:{wallet}:{nonce} - bundle record JSON
//   - {prefix}:{chainID}:bundle:pending - set of {wallet}:{nonce} members
//
// The prefix defaults to DefaultKeyPrefix and can be changed per store to
// isolate deployments sharing one Redis.
//
// # Thread Safety
//
// Both stores are safe for concurrent use. BundleStore.Save uses
// WATCH/MULTI/EXEC so a late write never rolls a replacement back.
//
// # Supported Redis Configurations
//
// Any redis.UniversalClient works: standalone, Sentinel or Cluster.
package redis
