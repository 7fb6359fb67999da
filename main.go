package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"github.com/Karmagate/RoomSync/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logs.Warnf("load .env: %v", err)
	}
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: serviceName,
			ServerAddress:   cfg.PyroscopeAddr,
			Logger:          pyroscopeLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed: %v", err)
			os.Exit(1)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logs.Errorf("open store: %+v", err)
		os.Exit(1)
	}
	defer st.Close()

	auth, err := NewAuth(cfg.AuthPublicKey)
	if err != nil {
		logs.Errorf("auth: %+v", err)
		os.Exit(1)
	}
	if !auth.Enabled() {
		logs.Warnf("no auth key configured, ping identities are trusted")
	}

	hub := NewHub(ctx, cfg, st, !auth.Enabled())
	srv := NewServer(ctx, cfg, hub, auth)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		logs.Infof("roomsync starting on %s", cfg.Addr)
		return srv.ListenAndServe()
	})
	eg.Go(func() error {
		<-ctx.Done()
		logs.Info("shutting down...")
		srv.Shutdown()
		return nil
	})

	if err := eg.Wait(); err != nil {
		logs.Errorf("server error: %v", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logs.Info("no database configured, room state is kept in memory")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, store.Option{ConnString: cfg.DatabaseURL})
}

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  {}
func (pyroscopeLogger) Debugf(format string, args ...any) {}
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }
