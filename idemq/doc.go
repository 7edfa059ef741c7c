// Package idemq guarantees at-most-once execution of client-submitted work
// identified by a caller-supplied idempotency key, across request retries,
// worker crashes, and concurrent duplicate submissions, with a polling
// contract for completion.
//
// The pieces, leaf first: a KeyStore (SQL or Redis) holds one durable record
// per key and exposes two atomic mutations, claim and finalize. LockManager
// turns those into claim outcomes: Claimed, Conflict, or a replay of a
// stored terminal result. Client claims the key on submission and hands the
// business payload to asynq; Processor runs the registered handler and
// finalizes the record. QueryService answers pollers from the task ledger.
//
// A processing record older than the configured lock timeout counts as
// abandoned and can be reclaimed, which bounds the duplicate-work window to
// that timeout. A finalize arriving from an attempt that lost its claim is
// dropped and logged; terminal records never change.
package idemq
