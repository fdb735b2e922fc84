// Package task is the capture/serialize bridge between the submitting
// process and remote runners. Instead of shipping arbitrary closures, work
// is registered ahead of time in a Registry and transported as a WorkUnit:
// the task's name plus one serialized blob per argument. Results come back
// in a ResultEnvelope, either a value or a remote failure captured as text.
package task
