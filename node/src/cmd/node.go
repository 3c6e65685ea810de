package cmd

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/api"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/config"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/feed"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/grpcPack"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/history"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/shared"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/storage"
)

var startNodeCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a ledger node",
	Args:  cobra.NoArgs,
	RunE:  runNode,
}

func init() {
	f := startNodeCmd.Flags()
	f.String("http", "", "Address for the HTTP API to listen on")
	f.String("grpc", "", "Address for the replication service to listen on")
	f.String("follow", "", "Replicate ledgers from the leader at this gRPC address instead of closing them")
}

// node is the set of components every command shares.
type node struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *shared.Metrics
	tracer    *shared.Tracer
	mem       *storage.MemStore
	store     storage.EntryStore
	archive   *history.Archive
	manager   *execution.Manager
	retention *storage.SnapshotRetention
	closers   []func() error
}

// openStore opens the configured backend. mem is set for the memory
// backend; volatile reports that it starts empty on every run.
func openStore(cfg *config.Config, logger zerolog.Logger) (store storage.EntryStore, mem *storage.MemStore, volatile bool, closer func() error, err error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, false, nil, err
		}
		return s, nil, false, s.Close, nil
	default:
		if !cfg.WALEnabled {
			m := storage.NewMemStore(nil, nil, logger)
			return m, m, true, m.Close, nil
		}
		m, err := storage.OpenMemStore(storage.MemStoreConfig{
			WALPath:     cfg.WALPath,
			SyncWAL:     cfg.WALSync,
			SnapshotDir: cfg.SnapshotDir,
		}, logger)
		if err != nil {
			return nil, nil, false, nil, err
		}
		return m, m, false, m.Close, nil
	}
}

// openNode wires store, archive and manager. long marks a long running
// node, which also prunes snapshots in the background.
func openNode(ctx context.Context, cfg *config.Config, logger zerolog.Logger, long bool) (*node, error) {
	n := &node{cfg: cfg, logger: logger, metrics: shared.NewMetrics(nil)}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	tracer, err := shared.NewTracer(cfg.TracingService, cfg.TracingEndpoint)
	if err != nil {
		return nil, err
	}
	n.tracer = tracer
	n.closers = append(n.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracer.Shutdown(ctx)
	})

	store, mem, volatile, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	n.mem = mem
	n.closers = append(n.closers, closeStore)

	if n.archive, err = history.Open(cfg.HistoryDir, logger); err != nil {
		return nil, err
	}
	if volatile && n.archive.LatestSeq() > 0 {
		// nothing durable backs the memory store, so rebuild it from history
		h, err := n.archive.Replay(ctx, store, 1, 0)
		if err != nil {
			return nil, err
		}
		logger.Info().Uint32("seq", h.Seq).Str("entries", humanize.Comma(int64(mem.Len()))).Msg("store rebuilt from history")
	}

	n.store = storage.NewInstrumented(store, n.metrics)
	n.manager, err = execution.NewManager(n.store, n.archive, execution.ManagerOptions{
		Metrics: n.metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	if mem != nil && !volatile {
		if cfg.CheckpointEvery > 0 {
			n.manager.Subscribe(&checkpointer{store: mem, every: cfg.CheckpointEvery, logger: logger})
		}
		if long {
			n.retention, err = storage.NewSnapshotRetention(cfg.SnapshotDir, cfg.SnapshotInterval.Std(), cfg.SnapshotKeep, logger)
			if err != nil {
				return nil, err
			}
			n.retention.Start()
			n.closers = append(n.closers, func() error { n.retention.Stop(); return nil })
		}
	}
	ok = true
	return n, nil
}

// Close releases the components in reverse order of opening.
func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// checkpointer snapshots the memory store every few ledgers so the WAL
// stays short.
type checkpointer struct {
	store  *storage.MemStore
	every  uint32
	logger zerolog.Logger
}

func (c *checkpointer) LedgerClosed(cl *execution.ClosedLedger) {
	if cl.Header.Seq%c.every != 0 {
		return
	}
	path, err := c.store.Checkpoint()
	if err != nil {
		c.logger.Error().Err(err).Uint32("seq", cl.Header.Seq).Msg("checkpoint failed")
		return
	}
	c.logger.Info().Uint32("seq", cl.Header.Seq).Str("snapshot", path).Msg("store checkpointed")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"http":   &cfg.HTTPAddr,
		"grpc":   &cfg.GRPCAddr,
		"follow": &cfg.FollowAddr,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer n.Close()

	hub := feed.NewHub(n.metrics, logger)
	n.manager.Subscribe(hub)

	handler := api.NewHandler(n.manager, n.archive, n.store, hub, logger)
	handler.CloseTimeout = cfg.CloseTimeout.Std()
	handler.BodyLimit = cfg.RequestBodyLimit
	handler.StreamBuffer = cfg.FeedBuffer
	handler.AllowClose = cfg.FollowAddr == ""
	if cfg.RequireAPIKeys {
		keys, err := api.NewFileAPIKeyStore(cfg.DataDir)
		if err != nil {
			return err
		}
		handler.Keys = keys
	}

	health := api.NewHealthManager()
	health.RegisterChecker("storage", api.NewStorageHealthChecker(n.store))
	health.RegisterChecker("ledger", api.NewLedgerHealthChecker(n.manager.LastClosed))
	httpSrv := api.NewServer(cfg.HTTPAddr, api.Router(handler, health, n.metrics, n.tracer, logger), logger)

	grpcSrv := grpcPack.NewGRPCServer(grpcPack.NewServer(n.archive, hub, cfg.FeedBuffer, logger), logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() { errCh <- httpSrv.Start() }()
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("replication service listening")
		errCh <- grpcSrv.Serve(lis)
	}()
	if cfg.FollowAddr != "" {
		conn, err := grpcPack.Dial(cfg.FollowAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		go func() { errCh <- grpcPack.NewFollower(conn, n.manager, logger).Run(ctx) }()
	}

	lcl := n.manager.LastClosed()
	logger.Info().
		Uint32("last_closed", lcl.Seq).
		Str("hash", lcl.Hash().String()).
		Str("backend", cfg.StoreBackend).
		Str("follow", cfg.FollowAddr).
		Msg("node started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("node component stopped")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}

	logger.Info().Uint32("last_closed", n.manager.LastClosed().Seq).Msg("node stopped")
	return runErr
}
