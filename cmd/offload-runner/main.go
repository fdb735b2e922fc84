// Command offload-runner is the generic runner binary: it executes work
// units against the default task registry. Applications with their own task
// packages build their own runner by importing them for side effects here,
// or by calling runner.Main from their own main.
package main

import (
	"github.com/offloadlabs/offload/internal/runner"
	"github.com/offloadlabs/offload/internal/task"
)

func main() {
	runner.Main(task.Default)
}
