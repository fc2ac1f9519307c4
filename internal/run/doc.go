// Package run owns the lifecycle of a test procedure run.
//
// The Machine holds at most one RunContext at a time and is the sole
// serialization point for everything that mutates it: lifecycle calls
// (Start, Finalize, Reset), inbound protocol interactions, and correlated
// notifications all take the same mutex. No blocking external call is ever
// made while the lock is held; fixture provisioning happens between the
// Initializing and Running transitions, outside the lock.
//
// Step matching is deterministic: replaying an identical ordered stream of
// interactions against a fresh run of the same procedure reproduces
// identical step states. Every interaction is stamped with a monotonic
// logical sequence number on arrival, and tie-breaks between simultaneous
// candidate steps always prefer the lowest declared index.
package run
