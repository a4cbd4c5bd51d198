package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinycompact/pkg/config"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/server"
	"github.com/nicktill/tinycompact/pkg/server/monitor"
	"github.com/nicktill/tinycompact/pkg/server/stream"
)

func newServeCmd(a *app) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compaction HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", ":"+a.cfg.Server.Port)
			if err != nil {
				return err
			}
			return a.serve(ctx, lis)
		},
	}
	cmd.Flags().StringVar(&port, "port", config.DefaultPort, "HTTP port")
	return cmd
}

// service is a fully wired HTTP service
type service struct {
	log    *zap.Logger
	stack  *stack
	server *server.Server
	hub    *stream.Hub
	chores []func(ctx context.Context) error
	close  func() error
}

func newService(log *zap.Logger, cfg config.Config) (*service, error) {
	st, err := buildStack(log, cfg)
	if err != nil {
		return nil, err
	}

	ldg, err := openLedger(log, cfg.Ledger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hub := stream.NewHub(log.Named("stream"))
	scratch := monitor.NewScratchMonitor(st.compactor, config.ScratchUsageCacheTTL)
	srv := server.New(log.Named("server"), server.Config{
		Port:        cfg.Server.Port,
		UnitTimeout: cfg.Compaction.UnitTimeout,
	}, st.orch, st.compactor, ldg, scratch, hub)

	svc := &service{
		log:    log,
		stack:  st,
		server: srv,
		hub:    hub,
		close: func() error {
			return errs.Combine(ldg.Close(), st.Close())
		},
	}

	ledgerChore := server.NewLedgerChore(log.Named("ledger"), ldg, cfg.Ledger.Retention)
	svc.chores = append(svc.chores, ledgerChore.Run)

	if sched := cfg.Schedule; sched.Interval > 0 {
		trigger := protocol.Trigger{
			SourceURI:      sched.SourceURI,
			DestinationURI: sched.DestinationURI,
			DateFormat:     sched.DateFormat,
			Duration:       sched.WindowDays,
		}
		// Reject a bad schedule at startup rather than on its first tick
		if _, err := st.orch.Discover(trigger); err != nil {
			_ = svc.close()
			return nil, err
		}
		chore := server.NewScheduleChore(log.Named("schedule"), srv, trigger, sched.Interval)
		svc.chores = append(svc.chores, chore.Run)
		log.Info("scheduled compaction enabled",
			zap.Duration("interval", sched.Interval),
			zap.String("source", sched.SourceURI))
	}

	return svc, nil
}

// run serves on lis until ctx is done
func (svc *service) run(ctx context.Context, lis net.Listener) error {
	// WriteTimeout stays zero: run and unit requests last as long as the work
	httpServer := &http.Server{
		Handler:      svc.server.Handler(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return svc.hub.Run(ctx) })
	for _, chore := range svc.chores {
		group.Go(func() error { return chore(ctx) })
	}

	group.Go(func() error {
		svc.log.Info("server listening", zap.String("addr", lis.Addr().String()))
		err := httpServer.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-ctx.Done()
		svc.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (a *app) serve(ctx context.Context, lis net.Listener) error {
	svc, err := newService(a.log, a.cfg)
	if err != nil {
		_ = lis.Close()
		return err
	}

	err = svc.run(ctx, lis)
	return errs.Combine(err, svc.close())
}
