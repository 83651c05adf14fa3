// Package kernel defines the core types and errors shared across the polystore
// transactional execution kernel: transaction modes and identifiers (UUID, Xid),
// entity and version metadata (EntityInfo, Vid, Eid), the Error/ErrorCode taxonomy,
// Configuration, and small helpers (Retry, Now, TaskRunner, Pair) that the sequencer,
// lock manager, transaction manager, and adapter layers build on.
//
// The adapter contract lives in package adapter; adapter/memory, adapter/cassandra,
// and adapter/blobstore/s3 implement it. Package cache provides the L1 row cache and
// its Redis-backed L2 tier; algebra, rewrite, and plan implement the cross-model
// algebra IR, MVCC rewrite pass, and physical planner driver.
package kernel
