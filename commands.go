package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vessel_ingest/api"
	"vessel_ingest/models"
	"vessel_ingest/runlock"
	"vessel_ingest/scheduler"
	"vessel_ingest/scraper"
	"vessel_ingest/services"
	"vessel_ingest/storage"
	"vessel_ingest/workers"
)

func runCmd() *cobra.Command {
	var (
		runType string
		mode    string
		sources []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one run type once and exit",
		Long:  "Runs detect, detail-worker or reconcile for the given sources (all enabled sources by default). Exits non-zero when every source fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if mode == "" {
				mode = a.cfg.Scheduler.Mode
			}
			rt, m := models.RunType(runType), models.RunMode(mode)
			if !rt.Valid() {
				return fmt.Errorf("unknown run type %q", runType)
			}
			if !m.Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}

			p, err := a.provider()
			if err != nil {
				return err
			}
			orch, err := a.orchestrator(ctx, p)
			if err != nil {
				return err
			}

			locker, closeLocker, err := runlock.New(ctx, a.cfg.Redis.URL, a.logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			if len(sources) == 0 {
				sources = a.cfg.SourceKeys()
			}
			var acquired []string
			for _, source := range sources {
				lock, err := locker.Acquire(ctx, runlock.Key(source, rt), a.cfg.Redis.LockTTL)
				if errors.Is(err, runlock.ErrNotAcquired) {
					a.logger.Warn("run already in progress, skipping", zap.String("source", source))
					continue
				}
				if err != nil {
					return err
				}
				defer lock.Release(context.WithoutCancel(ctx))
				acquired = append(acquired, source)
			}
			if len(acquired) == 0 {
				return fmt.Errorf("every requested source is already running %s", rt)
			}

			res, err := orch.Run(ctx, scraper.Invocation{RunType: rt, Mode: m, Sources: acquired})
			if res != nil {
				printRuns(res.Runs)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&runType, "type", "t", string(models.RunTypeDetect), "run type: detect, detail-worker or reconcile")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "shadow or authoritative (default from RUN_MODE)")
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "source keys to run (repeatable)")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler, the outbox dispatcher and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.provider()
			if err != nil {
				return err
			}
			orch, err := a.orchestrator(ctx, p)
			if err != nil {
				return err
			}
			locker, closeLocker, err := runlock.New(ctx, a.cfg.Redis.URL, a.logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			leases := make(map[string]time.Duration)
			for _, key := range a.cfg.SourceKeys() {
				leases[key] = a.cfg.Sources[key].Queue.LeaseTimeout
			}

			sched := scheduler.New(a.cfg, orch, a.store, locker, a.logger)
			sched.SetWorkers(
				workers.NewDispatcher(a.store, p, a.logger),
				workers.NewReclaimer(orch.Queue(), leases, a.logger),
			)
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           api.New(api.Config{Store: a.store, Queue: orch.Queue(), Status: orch, Logger: a.logger}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				a.logger.Info("ops API listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("ops API stopped", zap.Error(err))
				}
			}()

			a.logger.Info("daemon running, press Ctrl+C to stop")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			a.logger.Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
			sched.Stop()
			cancel()
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending outbox entries once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.provider()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.cfg.Notify.DispatchLimit
			}
			res, err := workers.NewDispatcher(a.store, p, a.logger).Dispatch(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("sent %d, failed %d, unresolved %d\n", res.Sent, res.Failed, res.Unresolved)
			if res.Failed > 0 {
				return fmt.Errorf("%d outbox entries could not be delivered", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries to deliver (default DISPATCH_LIMIT)")
	return cmd
}

func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Evaluate alert conditions for every enabled source",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.provider()
			if err != nil {
				return err
			}
			svc := services.NewAlertService(a.store, a.logger, p)

			var open []models.Alert
			for _, key := range a.cfg.SourceKeys() {
				alerts, err := svc.Evaluate(ctx, key, a.cfg.Sources[key].Alerts)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				open = append(open, alerts...)
			}
			printAlerts(open)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show source health, queue depth, outbox and open alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			health, err := a.store.ListSourceHealth(ctx)
			if err != nil {
				return err
			}
			queues := make([]models.QueueStats, 0, len(a.cfg.Sources))
			for _, key := range a.cfg.SourceKeys() {
				st, err := a.store.QueueStats(ctx, key)
				if err != nil {
					return err
				}
				queues = append(queues, st)
			}
			outbox, err := a.store.OutboxStats(ctx, "")
			if err != nil {
				return err
			}
			alerts, err := a.store.ListAlerts(ctx, storage.AlertFilter{Status: models.AlertOpen})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"sources": health,
					"queues":  queues,
					"outbox":  outbox,
					"alerts":  alerts,
				})
			}

			printHealth(health)
			printQueues(queues)
			fmt.Printf("Outbox: %d pending, %d sent\n", outbox.Pending, outbox.Sent)
			printAlerts(alerts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func triggerCmd() *cobra.Command {
	var params models.CommandParams
	var runType, mode string
	cmd := &cobra.Command{
		Use:       "trigger <run|pause|resume>",
		Short:     "Queue an operator command for the running daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.CmdRun), string(models.CmdPause), string(models.CmdResume)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := models.CommandType(args[0])
			switch c {
			case models.CmdRun, models.CmdPause, models.CmdResume:
			default:
				return fmt.Errorf("unknown command %q", args[0])
			}
			params.RunType = models.RunType(runType)
			params.Mode = models.RunMode(mode)
			if params.RunType != "" && !params.RunType.Valid() {
				return fmt.Errorf("unknown run type %q", runType)
			}
			if params.Mode != "" && !params.Mode.Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}
			command := &models.Command{Command: c, Params: raw, CreatedAt: time.Now()}
			if err := a.store.CreateCommand(ctx, command); err != nil {
				return err
			}
			fmt.Printf("queued command %d (%s)\n", command.ID, c)
			return nil
		},
	}
	cmd.Flags().StringVarP(&params.Source, "source", "s", "", "source key (run only)")
	cmd.Flags().StringVarP(&runType, "type", "t", "", "run type (run only)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "shadow or authoritative (run only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// openStore migrates before connecting.
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.logger.Info("migrations applied", zap.String("db_driver", a.cfg.Database.Driver))
			return nil
		},
	}
}

func printRuns(runs []*models.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Source", "Type", "Mode", "Status", "Staged", "Events", "Applied", "Duration", "Error"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.Source, r.RunType, r.Mode, r.Status,
			r.Counters.StagedRows, formatEvents(r.Counters.Events), r.Counters.Applied,
			r.Duration().Round(time.Millisecond), r.ErrorMessage,
		})
	}
	t.Render()
}

func printHealth(health []models.SourceHealth) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Sources")
	t.AppendHeader(table.Row{"Source", "Last run", "Status", "Healthy", "Score", "Unhealthy streak", "Blocked removals", "Staged p50"})
	for _, h := range health {
		last := "-"
		if h.LastRunAt != nil {
			last = h.LastRunAt.Local().Format("2006-01-02 15:04")
		}
		t.AppendRow(table.Row{
			h.Source, last, h.LastRunStatus, h.LastHealthy, fmt.Sprintf("%.2f", h.LastHealthScore),
			h.ConsecutiveUnhealthy, h.ConsecutiveMissCandidateRuns, h.StagedMedian,
		})
	}
	t.Render()
}

func printQueues(queues []models.QueueStats) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Detail queue")
	t.AppendHeader(table.Row{"Source", "Pending", "Processing", "Done", "Dead", "Oldest pending"})
	for _, q := range queues {
		t.AppendRow(table.Row{
			q.Source, q.Pending, q.Processing, q.Done, q.Dead,
			q.OldestAge(time.Now()).Round(time.Second),
		})
	}
	t.Render()
}

func printAlerts(alerts []models.Alert) {
	if len(alerts) == 0 {
		fmt.Println("No open alerts")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Open alerts")
	t.AppendHeader(table.Row{"Source", "Kind", "Message", "Seen", "Since"})
	for _, al := range alerts {
		t.AppendRow(table.Row{al.Source, al.Kind, al.Message, al.Occurrences, al.FirstSeenAt.Local().Format("2006-01-02 15:04")})
	}
	t.Render()
}

func formatEvents(events map[string]int) string {
	out := ""
	for _, kind := range []models.EventType{
		models.EventInserted, models.EventPriceChanged, models.EventSold,
		models.EventRemoved, models.EventUnchanged,
	} {
		if n := events[string(kind)]; n > 0 {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s=%d", kind, n)
		}
	}
	return out
}
