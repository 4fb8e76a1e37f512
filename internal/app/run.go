package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/api"
	"github.com/petervdpas/callsync/internal/auth"
	"github.com/petervdpas/callsync/internal/call"
	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/config"
	"github.com/petervdpas/callsync/internal/media"
	"github.com/petervdpas/callsync/internal/signaling"
	"github.com/petervdpas/callsync/internal/storage"
	"github.com/petervdpas/callsync/internal/surface"
	"github.com/petervdpas/callsync/internal/transport"
)

type Options struct {
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
	// Logs, when set, is exposed under /api/logs.
	Logs *api.LogBuffer
}

// Runtime is one fully wired surface.
type Runtime struct {
	Cfg       config.Config
	SurfaceID string

	Auth      *auth.Store
	Transport *transport.Client
	Directory *callapi.Client
	Router    *signaling.Router
	Media     *media.Controller
	DB        *storage.DB
	Bus       *surface.DirBus
	Sync      *surface.Synchronizer
	Calls     *call.Manager
}

// Build wires every component but connects nothing.
func Build(cfg config.Config, progress func(step, total int, label string)) (*Runtime, error) {
	if progress == nil {
		progress = func(int, int, string) {}
	}
	const total = 5
	rt := &Runtime{Cfg: cfg, SurfaceID: uuid.NewString()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	progress(1, total, "Loading credentials")
	store, err := auth.NewStore(cfg.Identity.Token, cfg.Identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	if !store.Authenticated() {
		log.Warn().Msg("no token configured; every call request will fail as unauthenticated")
	}
	rt.Auth = store

	progress(2, total, "Preparing transport")
	rt.Transport = transport.New(store, transport.Options{
		APIURL:            cfg.Backend.APIURL,
		SocketURL:         cfg.SocketBase(),
		MainPath:          cfg.Backend.MainPath,
		SignalingPath:     cfg.Backend.SignalingPath,
		RequestTimeout:    cfg.Backend.RequestTimeout(),
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectDelay:    cfg.Transport.ReconnectDelay(),
		ReconnectMaxDelay: cfg.Transport.ReconnectMaxDelay(),
		PingInterval:      cfg.Transport.PingInterval(),
	})
	rt.Directory = callapi.New(rt.Transport, store)

	progress(3, total, "Opening local storage")
	rt.DB, err = storage.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rt.Bus, err = surface.NewDirBus(cfg.Paths.BroadcastDir)
	if err != nil {
		return nil, fmt.Errorf("broadcast bus: %w", err)
	}
	rt.Sync = surface.NewSynchronizer(rt.DB, rt.Bus, rt.SurfaceID, cfg.Surface.SnapshotTTL())

	progress(4, total, "Preparing media")
	rt.Router = signaling.New(rt.Transport, signaling.Options{
		Quarantine: cfg.Signaling.Quarantine(),
		SelfID:     store.UserID,
		Notify:     rt.Bus,
	})
	neg, devices, err := media.NewPion(rt.Transport, media.PionOptions{STUNServers: cfg.Media.STUNServers})
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}
	rt.Media = media.NewController(neg, devices, rt.Transport, media.Options{
		MaxAttempts:    cfg.Media.MaxAttempts,
		InitialBackoff: cfg.Media.InitialBackoff(),
		BackoffFactor:  cfg.Media.BackoffFactor,
		MaxBackoff:     cfg.Media.MaxBackoff(),
		AttemptTimeout: cfg.Media.AttemptTimeout(),
		OfflineWait:    cfg.Media.OfflineWait(),
	})

	progress(5, total, "Starting call manager")
	rt.Calls = call.New(rt.Directory, rt.Media, rt.Router, call.Options{
		Sync:           rt.Sync,
		Log:            rt.DB,
		RequestTimeout: cfg.Backend.RequestTimeout(),
	})
	ok = true
	return rt, nil
}

// Close tears down in reverse order of Build. Safe on a partial Runtime.
func (rt *Runtime) Close() {
	if rt.Calls != nil {
		rt.Calls.Close()
	}
	if rt.Media != nil {
		rt.Media.EndWebRTC()
	}
	if rt.Router != nil {
		rt.Router.Stop()
	}
	if rt.Transport != nil {
		rt.Transport.Disconnect()
	}
	if rt.Directory != nil {
		rt.Directory.Close()
	}
	if rt.Bus != nil {
		_ = rt.Bus.Close()
	}
	if rt.DB != nil {
		_ = rt.DB.Close()
	}
}

// Run builds a surface, connects it, recovers any call in progress and
// serves the local API until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	rt, err := Build(cfg, opt.Progress)
	if err != nil {
		return err
	}
	defer rt.Close()

	logBanner(opt.CfgPath, cfg.Paths.DataDir, rt.SurfaceID)

	rt.Router.Start()
	if err := rt.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.Backend.RequestTimeout())
	cs, err := rt.Calls.Recover(rctx)
	cancel()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("could not recover call state")
	case cs != nil:
		log.Info().Str("call_id", cs.CallID).Str("status", string(cs.Status)).Msg("resumed call")
	}

	addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(rt.Calls, rt.DB, api.Options{Logs: opt.Logs}),
		ReadHeaderTimeout: 5 * time.Second,
		// Event streams end with the surface.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	if err := WaitTCP(addr, 3*time.Second); err != nil {
		return err
	}
	log.Info().Str("url", url).Msg("call API listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}
