// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"marketengine/src/assignment"
	"marketengine/src/chain"
	"marketengine/src/config"
	"marketengine/src/events"
	"marketengine/src/logging"
	"marketengine/src/model"
	"marketengine/src/processor"
	"marketengine/src/reclaim"
	"marketengine/src/store"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "marketengine",
		Short:         "Work lifecycle and assignment engine for the task marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), taskCmd(), workCmd())
	return root
}

// app wires the configured store and publisher.
type app struct {
	cfg       *config.Config
	store     store.Store
	publisher events.Publisher
	policy    chain.Policy
	closers   []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, policy: policy}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		a.store = store.NewMemory()
	default:
		pg, err := store.OpenPostgres(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.store = pg
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	if cfg.NATSURL == "" {
		a.publisher = events.LogPublisher{Logger: logging.Logger}
		return a, nil
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("marketengine"), nats.MaxReconnects(-1))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	a.closers = append(a.closers, nc.Close)
	pub, err := events.NewNATSPublisher(ctx, nc, cfg.NATSStream, cfg.NATSSubjectPrefix)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = pub
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) engine() *processor.Engine {
	return processor.New(a.store, a.publisher,
		processor.WithPolicy(a.policy),
		processor.WithReservationTTL(a.cfg.ReservationTTL))
}

func (a *app) sweeper() *reclaim.Sweeper {
	return reclaim.NewSweeper(a.store, a.publisher, reclaim.Config{
		DesertionThreshold: a.cfg.DesertionThreshold,
		WarningLead:        a.cfg.WarningLead,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status API and the periodic reclaim sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			otelShutdown, err := logging.SetupOTelSDK(ctx)
			if err != nil {
				return fmt.Errorf("failed to setup OTel SDK: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := otelShutdown(shutdownCtx); err != nil {
					fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
				}
			}()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sw := a.sweeper()
			scheduler, err := reclaim.NewScheduler(sw, a.cfg.SweepSchedule)
			if err != nil {
				return err
			}
			id := uuid.New().String()
			api := NewAPIServer(id, a.cfg.StoreDriver, a.store, sw)
			logging.Logger.InfoContext(ctx, "marketengine starting", "id", id, "store_driver", a.cfg.StoreDriver)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return api.Run(gctx, a.cfg.APIPort) })
			g.Go(func() error { return scheduler.Run(gctx) })
			return g.Wait()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			pg, ok := a.store.(*store.Postgres)
			if !ok {
				return fmt.Errorf("migrate needs STORE_DRIVER=%s", config.DriverPostgres)
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			logging.Logger.InfoContext(cmd.Context(), "schema is up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reclaim sweep and exit",
	}
	sweeps := []struct {
		use, short string
		run        func(*reclaim.Sweeper, context.Context) (reclaim.Result, error)
	}{
		{"desert", "Reclaim records past the desertion threshold", (*reclaim.Sweeper).DesertStale},
		{"expire", "Clear lapsed reservations", (*reclaim.Sweeper).ExpireReservations},
		{"warn", "Warn workers close to the desertion threshold", (*reclaim.Sweeper).WarnNearDesertion},
	}
	for _, s := range sweeps {
		cmd.AddCommand(&cobra.Command{
			Use:   s.use,
			Short: s.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := newApp(cmd.Context())
				if err != nil {
					return err
				}
				defer a.Close()
				res, err := s.run(a.sweeper(), cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(res)
			},
		})
	}
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Delegate and administer tasks"}

	var (
		n       processor.NewTask
		typ     string
		options []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Delegate a new task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n.Type = model.WorkType(strings.ToUpper(typ))
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			n.AdvancedOptions = opts
			return withEngine(cmd, func(e *processor.Engine) error {
				task, work, err := e.CreateTask(cmd.Context(), n)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"task": task, "work": work})
			})
		},
	}
	create.Flags().StringVar(&typ, "type", string(model.CreateFunction), "task type")
	create.Flags().IntVar(&n.Priority, "priority", 50, "priority, 1 is most urgent")
	create.Flags().StringVar(&n.Description, "description", "", "task description")
	create.Flags().StringVar(&n.OwnerID, "owner", "", "delegator id")
	create.Flags().StringSliceVar(&n.Tags, "tags", nil, "visibility tags")
	create.Flags().StringSliceVar(&n.Skills, "skills", nil, "required skills")
	create.Flags().StringVar(&n.Input.Code, "code", "", "starting code")
	create.Flags().StringArrayVar(&options, "option", nil, "advanced option key=value, e.g. qa_chain=true")

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a task and close its active records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *processor.Engine) error {
				return e.Cancel(cmd.Context(), args[0], reason)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "why the task is cancelled")

	accept := &cobra.Command{
		Use:   "accept TASK_ID",
		Short: "Archive a solved and rated task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *processor.Engine) error {
				return e.Accept(cmd.Context(), args[0])
			})
		},
	}

	var rating int
	rate := &cobra.Command{
		Use:   "rate RECORD_ID",
		Short: "Rate a solved record so its task can be accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *processor.Engine) error {
				return e.Rate(cmd.Context(), args[0], rating)
			})
		},
	}
	rate.Flags().IntVar(&rating, "rating", 0, fmt.Sprintf("rating from %d to %d", processor.MinRating, processor.MaxRating))
	_ = rate.MarkFlagRequired("rating")

	cmd.AddCommand(create, cancel, rate, accept)
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "work", Short: "Find, claim and finish work"}

	var worker assignment.Worker
	var current, specific string
	next := &cobra.Command{
		Use:   "next",
		Short: "Show the work a worker should do next",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			got, err := assignment.NewSelector(a.store).Next(cmd.Context(), assignment.Request{
				Worker: worker, CurrentWorkID: current, SpecificWorkID: specific,
			})
			if err != nil {
				return err
			}
			if got == nil {
				fmt.Println("no eligible work")
				return nil
			}
			return printJSON(got)
		},
	}
	next.Flags().StringVar(&worker.ID, "worker", "", "worker id")
	next.Flags().StringSliceVar(&worker.Skills, "skills", nil, "worker skills")
	next.Flags().StringSliceVar(&worker.Tags, "tags", nil, "worker tags")
	next.Flags().StringVar(&current, "current", "", "work id to skip over")
	next.Flags().StringVar(&specific, "work", "", "specific work id to request")
	_ = next.MarkFlagRequired("worker")

	var claimWorker string
	claim := &cobra.Command{
		Use:   "claim WORK_ID",
		Short: "Claim available work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *processor.Engine) error {
				rec, err := e.Claim(cmd.Context(), args[0], claimWorker)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	claim.Flags().StringVar(&claimWorker, "worker", "", "worker id")
	_ = claim.MarkFlagRequired("worker")

	var (
		req              processor.FinishRequest
		outcome, verdict string
	)
	finish := &cobra.Command{
		Use:   "finish WORK_ID",
		Short: "Finish the worker's active record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkID = args[0]
			req.Outcome = model.Outcome(strings.ToUpper(outcome))
			req.ReviewStatus = model.ReviewStatus(strings.ToUpper(verdict))
			return withEngine(cmd, func(e *processor.Engine) error {
				res, err := e.Finish(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	finish.Flags().StringVar(&req.WorkerID, "worker", "", "worker id")
	finish.Flags().StringVar(&outcome, "outcome", string(model.OutcomeSolved), "SOLVED, CANCELLED, SKIPPED, FEEDBACK or REQUESTED_PACKAGE")
	finish.Flags().StringVar(&req.SolutionURL, "solution-url", "", "solution location")
	finish.Flags().StringVar(&req.SolutionCode, "code", "", "solution code")
	finish.Flags().StringVar(&verdict, "verdict", "", "ADEQUATE, REQUIRES_MODIFICATION or INADEQUATE")
	finish.Flags().StringVar(&req.ReviewFeedback, "feedback", "", "review feedback")
	_ = finish.MarkFlagRequired("worker")

	cmd.AddCommand(next, claim, finish)
	return cmd
}

func withEngine(cmd *cobra.Command, fn func(*processor.Engine) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.engine())
}

// parseOptions turns key=value pairs into advanced options. Values are read
// as JSON when they parse, so qa_iterations=2 is a number.
func parseOptions(pairs []string) (model.AdvancedOptions, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := model.AdvancedOptions{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		opts[key] = v
	}
	return opts, nil
}
