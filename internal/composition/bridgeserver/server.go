package bridgeserver

import (
	"context"
	"log/slog"
	"os"

	"lens-account/go-bridge/internal/api"
	"lens-account/go-bridge/internal/composition/bridgeservice"
	"lens-account/go-bridge/internal/config"
	"lens-account/go-bridge/internal/platform/privacylog"
)

// Server couples the bridge service with its control API so main only
// deals with one Run call.
type Server struct {
	service *bridgeservice.Service
	rpc     *api.Server
	logger  *slog.Logger
}

// NewServer loads configuration from configPath (plus environment
// overrides) and assembles the full daemon.
func NewServer(ctx context.Context, rpcAddr, configPath string) (*Server, error) {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg := config.LoadFromPath(configPath)
	svc, err := bridgeservice.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rpc := api.NewServer(rpcAddr, svc, svc.MetricsHandler(), logger)
	return &Server{service: svc, rpc: rpc, logger: logger}, nil
}

// Run starts the relay transport, serves the control API until ctx is
// cancelled and tears the service down on the way out.
func (s *Server) Run(ctx context.Context) error {
	if err := s.service.Start(ctx); err != nil {
		return err
	}
	defer s.service.Stop()
	return s.rpc.Run(ctx)
}

func newLogger() *slog.Logger {
	handler := privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil))
	return slog.New(handler)
}
