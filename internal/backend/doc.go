// Package backend defines the common adapter contract every execution
// surface (local shell, remote SSH host, batch-queue schedulers, container
// orchestrator) implements, along with the types exchanged between the job
// lifecycle manager and backend implementations.
package backend
