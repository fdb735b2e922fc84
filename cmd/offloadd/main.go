// Command offloadd runs the job status server over an engine wired to the
// local backend. Remote targets are registered by embedding applications;
// the daemon exists for inspecting job history, streaming logs, and metrics.
package main

import (
	"log"
	"os"

	"github.com/offloadlabs/offload/internal/api"
	"github.com/offloadlabs/offload/internal/backend/localexec"
	"github.com/offloadlabs/offload/internal/config"
	"github.com/offloadlabs/offload/internal/engine"
	"github.com/offloadlabs/offload/internal/model"
	"github.com/offloadlabs/offload/internal/store"
	"github.com/offloadlabs/offload/internal/task"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("offloadd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eng := engine.New(cfg, db, task.Default, logger)
	eng.AddTarget(
		model.Target{Kind: model.KindLocal, Name: "local"},
		localexec.New(task.Default, "", logger),
	)

	srv := api.NewServer(cfg.ListenAddr, db, eng.Registry(), eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
