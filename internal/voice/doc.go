// Package voice runs the browser phone: one endpoint registration per
// identity and at most one call on it.
//
// A Manager moves through uninitialized, initializing, ready, connecting,
// incoming, active, disconnected and error. The error and disconnected states
// are held for a cooldown. Recovery returns to ready only while the endpoint
// is still registered; otherwise the phone falls back to uninitialized and
// the UI must call Initialize again before it can place or take calls.
//
// Registry hands out the Manager for an identity and, with a LeaseStore,
// keeps the identity owned by a single process.
package voice
