// Command jobsched-cli is the operator-facing thin client for the
// submitter surface: it talks to the same Postgres database and Redis
// instance the daemon uses, not a second implementation of the
// control plane.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nodeforge/jobsched/internal/cache"
	"github.com/nodeforge/jobsched/internal/config"
	"github.com/nodeforge/jobsched/internal/db"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/registry"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/submit"
)

func buildFacade() (*submit.Facade, func(), error) {
	log := logger.Noop()
	cfg := config.Load(log)

	database, err := db.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})

	jobs := repos.NewJobRepo(database.DB(), log)
	alloc := repos.NewAllocationRepo(database.DB(), log)
	reg := registry.New(rdb, log)
	cpuCache := cache.New(rdb)
	resMgr := resources.NewManager(alloc, reg, cpuCache, log)
	q := queue.New(rdb, cfg.QueueName, log)

	facade := submit.New(jobs, alloc, resMgr, q, log)
	return facade, func() { _ = rdb.Close() }, nil
}

func main() {
	root := &cobra.Command{Use: "jobsched-cli", Short: "operator CLI for the jobsched control plane"}

	var scriptPath string
	var workDir, stdoutPath, stderrPath, partition, account string
	var ntasks, cpusPerTask, timeLimit int
	var memory int64
	var exclusive bool

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, closeFn, err := buildFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			var script []byte
			if scriptPath != "" {
				script, err = os.ReadFile(scriptPath)
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
			}
			id, err := facade.Submit(context.Background(), submit.JobSpec{
				WorkDir:          workDir,
				StdoutPath:       stdoutPath,
				StderrPath:       stderrPath,
				NTasksPerNode:    ntasks,
				CPUsPerTask:      cpusPerTask,
				MemoryPerNode:    memory,
				TimeLimitMinutes: timeLimit,
				Partition:        partition,
				Account:          account,
				Exclusive:        exclusive,
			}, string(script))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	submitCmd.Flags().StringVar(&scriptPath, "script", "", "path to the job script")
	submitCmd.Flags().StringVar(&workDir, "work-dir", "", "working directory")
	submitCmd.Flags().StringVar(&stdoutPath, "stdout", "", "stdout file path")
	submitCmd.Flags().StringVar(&stderrPath, "stderr", "", "stderr file path")
	submitCmd.Flags().IntVar(&ntasks, "ntasks-per-node", 1, "tasks per node")
	submitCmd.Flags().IntVar(&cpusPerTask, "cpus-per-task", 1, "cpus per task")
	submitCmd.Flags().Int64Var(&memory, "memory-per-node", 0, "memory per node")
	submitCmd.Flags().IntVar(&timeLimit, "time-limit-minutes", 0, "time limit in minutes")
	submitCmd.Flags().StringVar(&partition, "partition", "", "partition")
	submitCmd.Flags().StringVar(&account, "account", "", "account")
	submitCmd.Flags().BoolVar(&exclusive, "exclusive", false, "request exclusive node access")

	queryCmd := &cobra.Command{
		Use:   "query <job_id>",
		Short: "show a job's current state, allocation, and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			facade, closeFn, err := buildFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			view, err := facade.Query(context.Background(), uint(id))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "cancel a job (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			facade, closeFn, err := buildFacade()
			if err != nil {
				return err
			}
			defer closeFn()
			return facade.Cancel(context.Background(), uint(id))
		},
	}

	dashboardCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "show cluster-wide counts, capacity, and recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			facade, closeFn, err := buildFacade()
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := facade.Dashboard(context.Background())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	root.AddCommand(submitCmd, queryCmd, cancelCmd, dashboardCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
