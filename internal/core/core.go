/*
Core runs the admission pipeline between strategies and the order router.

# Module
  - shards: one goroutine per shard, intents of a symbol always land on the same shard
  - state view: ledger snapshot, control status and venue health pinned per evaluation
  - risk gate: decides accept, resize or reject against the active limits snapshot
  - router: turns admitted intents into venue orders

# Source
 1. intents emitted by strategies (fire and forget)
 2. flatten intents from the control plane (waits for the result)

# Produce
  - admitted orders to the order router

# Sharded
  - fnv32a(symbol) % shards
*/
package core
