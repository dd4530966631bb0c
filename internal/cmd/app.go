package cmd

import (
	"fmt"

	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/backend"
	"github.com/bashlet/bashlet/internal/config"
	"github.com/bashlet/bashlet/internal/logging"
	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/bashlet/bashlet/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	validator *mount.Validator
	assets    *artifacts.Manager
	factory   *backend.Factory
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if debug {
		level = "debug"
	}
	log := logging.New(level, cmd.ErrOrStderr())

	validator, err := mount.NewValidator(cfg.BlockedPaths)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}

	cacheDir, err := config.CacheDir()
	if err != nil {
		return nil, err
	}
	assets, err := artifacts.NewManager(artifacts.Options{
		CacheDir:      cacheDir,
		Log:           log,
		URLs:          cfg.Assets.URLs,
		Digests:       cfg.Assets.Digests,
		AllowUnpinned: cfg.Assets.AllowUnpinned,
		Local: map[artifacts.Kind]string{
			artifacts.KindKernel:         cfg.MicroVM.Kernel,
			artifacts.KindRootfs:         cfg.MicroVM.Rootfs,
			artifacts.KindSandboxPackage: cfg.Wasm.Package,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAsset, err)
	}

	bootTimeout, err := cfg.BootTimeout()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}
	agent := cfg.MicroVM.Agent
	if agent == "" {
		agent = backend.DefaultAgentPath()
	}
	if agent != "" {
		log.Debug().Str("agent", agent).Msg("using guest agent")
	}

	return &app{
		cfg:       cfg,
		log:       log,
		validator: validator,
		assets:    assets,
		factory: &backend.Factory{
			Assets:      assets,
			Log:         log,
			BootTimeout: bootTimeout,
			VMM:         cfg.MicroVM.Binary,
			Agent:       agent,
			TapDevice:   cfg.MicroVM.TapDevice,
		},
	}, nil
}

func (a *app) sessions() (*session.Manager, error) {
	dir, err := config.SessionsDir()
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to access session store: %w", err)
	}
	return session.NewManager(session.Options{
		Store:     store,
		Factory:   a.factory,
		Instances: a.assets,
		Log:       a.log,
	}), nil
}
