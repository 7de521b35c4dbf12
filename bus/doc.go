// Package bus provides the publish/subscribe transport used for swarm-wide
// coordination such as consensus votes.
//
// # Implementations
//
//   - MemoryBus: in-process channels, for single-process swarms and tests
//   - NATSBus: NATS core pub/sub
//   - RedisBus: Redis PUBLISH/SUBSCRIBE, channels namespaced per swarm
//
// # Delivery
//
// Delivery is at-most-once and fire-and-forget. Each subscription has a
// bounded buffer; when a consumer falls behind, further messages for that
// subscription are dropped rather than blocking the publisher. A
// subscription is live once Subscribe returns.
//
//	sub, _ := b.Subscribe("consensus.vote")
//	defer sub.Unsubscribe()
//	for msg := range sub.Messages() {
//	    // Handle msg.Data
//	}
//
// # Lifecycle
//
// A bus is constructed by the caller and passed to each component that
// needs it. Close ends every subscription (their channels are closed) and
// makes further Publish and Subscribe calls return ErrClosed.
package bus
