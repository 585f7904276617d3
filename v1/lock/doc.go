// Package lock implements a distributed mutual-exclusion lock for jobs that
// must not run concurrently across worker processes sharing one key-value
// store.
//
// A Lock describes one job type: its name, the backend holding lock records,
// how lock keys are derived from job arguments and how long a lock may be
// held. Acquire, Release, Refresh and Locked operate on the lock record
// directly. BeforeEnqueue and Around are the two hooks a job runtime calls:
// the first at submission time when the job is a loner, the second around
// every execution attempt.
//
// Timed locks store their absolute expiry in Unix seconds. A lock whose
// expiry has passed is stale and may be recovered by the next acquirer.
// Locks carry no fencing token, so a holder that overran its timeout and a
// process that recovered the stale lock can briefly both believe they own it.
package lock
