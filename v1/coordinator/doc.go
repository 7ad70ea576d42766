// Package coordinator is the entry point of go-claim. Acquire decides per
// key whether the caller becomes the owner, running the work while a lease
// heartbeat keeps the lock artifact alive, or a waiter observing the owner's
// progress and receiving its result. Both get the same Handle.
//
// Owners and waiters in the same process meet in the coordinator's progress
// hub. Waiters in other processes follow the owner through a progress relay
// when one is configured and through the lock store otherwise.
package coordinator
