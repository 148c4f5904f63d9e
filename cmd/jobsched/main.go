// Command jobsched is the control-plane binary: depending on --role it
// runs the scheduler daemon plus cleanup runner, the worker pool, or
// (default) all of them in one process, suitable for a single-node
// deployment.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/nodeforge/jobsched/internal/app"
	"github.com/nodeforge/jobsched/internal/config"
	"github.com/nodeforge/jobsched/internal/logger"
)

func main() {
	role := flag.String("role", "all", "process role: scheduler, worker, or all")
	workerID := flag.String("worker-id", "", "worker identity for presence registration (defaults to node_name)")
	logMode := flag.String("log-mode", "", "log mode: prod for JSON, anything else for development console")
	flag.Parse()

	log, err := logger.New(*logMode)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	// Instance id distinguishes restarts of the same node in
	// aggregated logs; the stable worker identity stays node_name.
	log = log.With("instance", uuid.NewString()[:8])

	cfg := config.Load(log)

	a, err := app.New(cfg, log, *workerID)
	if err != nil {
		log.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("jobsched starting", "role", *role, "node_name", cfg.NodeName, "total_cpus", cfg.TotalCPUs)
	if err := a.Start(ctx, app.Role(*role)); err != nil {
		log.Error("jobsched exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("jobsched shut down cleanly")
}
