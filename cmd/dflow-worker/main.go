// Command dflow-worker is the default process entrypoint: a dispatcher that maintains a pool of
// follower subprocesses, each of which re-execs this same binary with DFLOW_FOLLOWER=1 (§4.7).
// Applications embedding dflow typically build their own binary that imports this package's
// pattern directly, registering their own workflows/activities before calling dispatcher.New;
// this command is a ready-to-run worker for deployments that don't need a custom registry.
package main

import (
	"context"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	dflow "github.com/dflowhq/dflow"
	"github.com/dflowhq/dflow/internal/common/metrics"
	"github.com/dflowhq/dflow/internal/cron"
	"github.com/dflowhq/dflow/internal/dispatcher"
	"github.com/dflowhq/dflow/internal/registry"
	"github.com/dflowhq/dflow/internal/store/postgres"
)

const followerEnvVar = "DFLOW_FOLLOWER"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("dflow-worker: build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := postgres.DefaultConfig()
	cfg.LoadFromEnv()
	st, err := postgres.New(cfg)
	if err != nil {
		logger.Fatal("dflow-worker: connect store", zap.Error(err))
	}
	defer st.Close()

	reg := registry.New()
	registerApplication(reg)

	if os.Getenv(followerEnvVar) != "" {
		runFollower(st, reg, logger)
		return
	}
	runDispatcher(st, reg, logger)
}

// registerApplication is where an embedding application would call reg.RegisterWorkflow /
// reg.RegisterActivity for its own workflow and activity functions. The stock binary ships with
// an empty registry; every workflow/activity name will fail with UnknownWorkflowError /
// UnknownActivityError until this is filled in.
func registerApplication(reg *registry.Registry) {}

// cronEntries is where an embedding application would list its recurring triggers (see
// internal/cron); the stock binary ships with none.
func cronEntries() []cron.Entry { return nil }

func runFollower(st *postgres.Store, reg *registry.Registry, logger *zap.Logger) {
	f := dispatcher.NewFollower(st, reg, dispatcher.DefaultConfig().FollowerMaxTasks)
	if err := f.RunFollower(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("dflow-worker: follower exited", zap.Error(err))
		os.Exit(1)
	}
}

func runDispatcher(st *postgres.Store, reg *registry.Registry, logger *zap.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := dispatcher.DefaultConfig()
	spawn := func(context.Context) *exec.Cmd {
		cmd := exec.Command(os.Args[0], os.Args[1:]...) //nolint:gosec
		cmd.Env = append(os.Environ(), followerEnvVar+"=1")
		cmd.Stderr = os.Stderr
		return cmd
	}

	if entries := cronEntries(); len(entries) > 0 {
		client := dflow.NewClient(st, reg)
		sched := cron.New(client, time.Second, logger)
		for _, e := range entries {
			if err := sched.Register(e); err != nil {
				logger.Fatal("dflow-worker: register cron entry", zap.String("workflow", e.WorkflowName), zap.Error(err))
			}
		}
		go func() {
			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("dflow-worker: cron scheduler exited", zap.Error(err))
			}
		}()
	}

	d := dispatcher.New(st, cfg, spawn, logger, metrics.NewTaggedScope(nil))
	if err := d.RunLoop(ctx); err != nil && err != context.Canceled {
		logger.Error("dflow-worker: dispatcher loop exited", zap.Error(err))
	}
}
