package devserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/devserver/store"
	"github.com/matheus3301/rtchat/internal/lock"
	"github.com/matheus3301/rtchat/internal/logging"
)

// Params holds the dev server settings passed to the fx module.
type Params struct {
	Addr     string
	DataDir  string
	Accounts []store.Account // seeded on start
	Limits   Limits
	LogPath  string // empty = <DataDir>/devserver.log
}

// Module returns the fx module for the dev server.
func Module(p Params) fx.Option {
	return fx.Module("devserver",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideHub,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	path := p.LogPath
	if path == "" {
		path = filepath.Join(p.DataDir, "devserver.log")
	}
	return logging.New(path, "devserver", false)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened unlocked.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.DataDir, "devserver.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	for _, a := range p.Accounts {
		if err := db.UpsertAccount(context.Background(), a); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Int("seeded_accounts", len(p.Accounts)))
	return db, nil
}

func provideHub(db *store.DB, logger *zap.Logger) *Hub {
	return NewHub(db, clockwork.NewRealClock(), logger.Named("hub"))
}

func provideServer(p Params, db *store.DB, hub *Hub, logger *zap.Logger) *Server {
	return NewServer(db, hub, p.Limits, logger.Named("http"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, hub *Hub, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", p.Addr)
			if err != nil {
				return err
			}
			logger.Info("dev server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			hub.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("dev server stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
