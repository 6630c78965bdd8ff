// Package pipeline runs the static-site delivery pipeline.
//
// Every run walks the same forced sequence regardless of the configured
// source provider:
//
//	Source -> Test -> Build -> Approval -> Deploy
//
// # Stage Contracts
//
// Each stage declares the artifacts it consumes and produces. Artifacts live
// in the artifact store under runs/<runID>/<name> and become visible to later
// stages only once the producing stage has Succeeded.
//
//	Source    consumes nothing      produces RepoSource
//	Test      consumes RepoSource   produces nothing
//	Build     consumes RepoSource   produces BuildOutput
//	Approval  consumes nothing      produces nothing
//	Deploy    consumes BuildOutput  produces nothing
//
// A stage enters Running only when its predecessor has Succeeded and all of
// its inputs exist. Any failure halts the run. Approval is handled by the
// machine itself: the run parks with the stage Pending until Approve, Reject
// or Cancel is called. No goroutine is held while parked.
//
// # Lifecycle Events
//
// Every transition is published through ports.EventPublisher as a
// pipelineLifecycle event. Execution-level events (STARTED, SUCCEEDED,
// FAILED, RESUMED, CANCELED, SUPERSEDED) carry no stage; stage-level events
// carry the stage and its upper-cased status. The machine never waits for
// consumers.
package pipeline
