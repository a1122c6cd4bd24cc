package storage

// Package storage persists what the scheduling core must not lose:
//   - Execution records (one per firing attempt, append-only)
//   - Firing dedup keys (idempotent rescheduling across restarts)
