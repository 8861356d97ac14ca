// Package round implements the competition round supervisor.
//
// The Supervisor owns the single managed user process and walks it through
// the round lifecycle:
//
//	Ready ──start──▶ Running ──stop / deadline / crash──▶ PostRun
//	  ▲                                                      │
//	  └──────────────────────── upload ◀─────────────────────┘
//
// Upload is accepted from any state and is the only way back to Ready. It
// reaps the current process, resets the robot hardware and spawns a fresh one.
//
// Three execution contexts may end a round concurrently: the command loop, the
// per-process exit observer and the competition Deadline. A short-held mutex
// guards state and the process/deadline references; a second mutex serialises
// whole round-ending operations so that exactly one of them reaps the process.
// Callbacks carry the process generation they were created for and are
// dropped once a newer process has been spawned.
//
// Observers subscribe with Subscribe and receive Events (state changes,
// spawns, reaps and fatal conditions) outside of any lock.
package round
