// Package metadata owns the coordination state of the shared workspace:
// one FileRecord per tracked path and one AgentActivity per agent.
//
// Every mutation goes through [Store.Upsert], which runs a caller-supplied
// function against a copy of the record inside that path's critical
// section and commits it only if the result is consistent. The lock
// manager, the change watcher and the write path all share this one
// entry point, and the transition methods on [FileRecord] are the only
// code that moves a record between states:
//
//	AVAILABLE   --AcquireRead-->             LOCKED_READ
//	AVAILABLE   --AcquireWrite-->            LOCKED_WRITE
//	LOCKED_READ --AcquireWrite (sole reader)--> LOCKED_WRITE
//	LOCKED_READ --Release (last reader)-->   AVAILABLE
//	LOCKED_WRITE --Release-->                AVAILABLE, or MODIFIED after RegisterWrite
//	LOCKED_WRITE --ObserveChange (foreign)--> CONFLICT
//
// MODIFIED acquires exactly like AVAILABLE. CONFLICT has no exit.
//
// Accessors return deep copies; callers never see the Store's records.
package metadata
