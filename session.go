package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"

	"github.com/ibrasoft/driveclonr/internal/config"
	"github.com/ibrasoft/driveclonr/internal/events"
	"github.com/ibrasoft/driveclonr/internal/export"
	"github.com/ibrasoft/driveclonr/internal/google"
	"github.com/ibrasoft/driveclonr/internal/localfs"
)

// sourceBuilder builds the remote sources for an export. Tests replace it.
type sourceBuilder func(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*export.Sources, error)

var buildSources sourceBuilder = googleSources

// exportSession holds everything one start or resume run needs: the
// process lock, the ledger, the sink and the orchestrator.
type exportSession struct {
	cc     *CLIContext
	paths  jobPaths
	ledger *export.Ledger
	sink   *localfs.Sink
	orch   *export.Orchestrator
	unlock func()
}

// openSession locks the export, opens its ledger and wires the orchestrator.
func openSession(ctx context.Context, cc *CLIContext, paths jobPaths) (*exportSession, error) {
	unlock, err := writePIDFile(paths.PIDFile)
	if err != nil {
		return nil, err
	}

	s := &exportSession{cc: cc, paths: paths, unlock: unlock}

	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *exportSession) open(ctx context.Context) error {
	logger := s.cc.Logger

	ledger, err := export.OpenLedger(ctx, s.paths.Ledger, logger)
	if err != nil {
		return err
	}

	s.ledger = ledger

	sink, err := localfs.New(s.paths.Root, s.paths.TempDir, logger)
	if err != nil {
		return err
	}

	s.sink = sink

	sources, err := buildSources(ctx, s.cc.Cfg, logger)
	if err != nil {
		return err
	}

	s.orch = export.NewOrchestrator(ledger, sources, sink, exportOptions(s.cc.Cfg), logger)

	return nil
}

// Close releases the ledger and the process lock.
func (s *exportSession) Close() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.cc.Logger.Warn("closing ledger", slog.String("error", err.Error()))
		}
	}

	if s.unlock != nil {
		s.unlock()
	}
}

// run drives one orchestrator call with signal handling, the pause-marker
// watcher, progress output and the optional event server attached.
func (s *exportSession) run(
	ctx context.Context,
	jobID string,
	call func(context.Context) (export.JobStatus, error),
) (export.JobStatus, error) {
	logger := s.cc.Logger

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pauseOnSignal(watchCtx, s.orch.Pause, logger)

	if err := watchPauseMarker(watchCtx, s.paths.Pause, s.orch.Pause, logger); err != nil {
		return "", err
	}

	prog := newProgress(os.Stderr, !s.cc.Flags.Quiet && isTerminal(os.Stderr))
	unsubscribe := s.orch.Subscribe(jobID, prog.handle)
	defer unsubscribe()

	if addr := s.cc.Cfg.EventsAddr; addr != "" {
		s.serveEvents(watchCtx, jobID, addr)
	}

	// The orchestrator stops on Pause; the context stays live so in-flight
	// work and the final status write complete.
	status, err := call(context.WithoutCancel(ctx))

	if !s.cc.Flags.Quiet && status != "" {
		prog.finish(status)
	}

	return status, err
}

func (s *exportSession) serveEvents(ctx context.Context, jobID, addr string) {
	logger := s.cc.Logger
	srv := events.NewServer(jobID, s.orch, s.orch.Status, logger)

	go func() {
		err := srv.ListenAndServe(ctx, addr, func(a net.Addr) {
			s.cc.Statusf("Streaming events on ws://%s/events\n", a)
		})
		if err != nil {
			logger.Warn("event server stopped", slog.String("error", err.Error()))
		}
	}()
}

// report prints the job status and failure list after a run.
func (s *exportSession) report(ctx context.Context, w io.Writer) error {
	r, err := s.orch.Status(ctx)
	if err != nil {
		return err
	}

	return printReport(w, r, s.cc.Flags.JSON)
}

// exportOptions maps the resolved configuration onto orchestrator options.
func exportOptions(cfg *config.Resolved) export.Options {
	limits := make(map[export.Service]export.RateConfig, len(cfg.RateLimits))
	for svc, rl := range cfg.RateLimits {
		limits[export.Service(svc)] = export.RateConfig{Rate: rl.Rate, Burst: rl.Burst}
	}

	return export.Options{
		Pool: export.PoolConfig{
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.MaxAttempts,
			Backoff:      export.Backoff{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff},
		},
		RateLimits:     limits,
		BandwidthLimit: cfg.BandwidthLimit,
		FailOnError:    cfg.FailOnError,
		Relist:         cfg.RelistOnResume,
		Sanitize:       localfs.Sanitize,
	}
}

func enabledServices(cfg *config.Resolved) []export.Service {
	out := make([]export.Service, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		out = append(out, export.Service(s))
	}

	return out
}

// googleSources builds the Drive and Photos sources from the saved login.
// One Drive source serves drive, sheets and slides nodes.
func googleSources(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*export.Sources, error) {
	services := enabledServices(cfg)

	creds, err := loadCredentials(ctx, cfg, services, logger)
	if err != nil {
		return nil, err
	}

	client := creds.HTTPClient()
	sources := export.NewSources()

	var driveFamily []export.Service

	for _, svc := range services {
		switch svc {
		case export.ServiceDrive, export.ServiceSheets, export.ServiceSlides:
			driveFamily = append(driveFamily, svc)
		case export.ServicePhotos:
			sources.Register(google.NewPhotosSource(client, google.PhotosBaseURL, creds, logger), export.ServicePhotos)
		}
	}

	if len(driveFamily) > 0 {
		formats, err := google.NewFormats(cfg.Formats)
		if err != nil {
			return nil, fmt.Errorf("formats: %w", err)
		}

		src, err := google.NewDriveSource(ctx, client, creds, google.DriveConfig{
			IncludeShared: cfg.IncludeShared,
			Formats:       formats,
			Services:      driveFamily,
		}, logger)
		if err != nil {
			return nil, err
		}

		// Folders and roots are drive nodes even when only sheets or slides
		// are exported.
		sources.Register(src, export.ServiceDrive, export.ServiceSheets, export.ServiceSlides)
	}

	return sources, nil
}

// loadCredentials restores the saved login for services.
func loadCredentials(
	ctx context.Context,
	cfg *config.Resolved,
	services []export.Service,
	logger *slog.Logger,
) (*google.Credentials, error) {
	oauthCfg, err := google.OAuthConfig(cfg.CredentialsFile, google.Scopes(services))
	if err != nil {
		return nil, err
	}

	creds, err := google.LoadCredentials(ctx, oauthCfg, cfg.TokenPath, logger)
	if errors.Is(err, google.ErrNotLoggedIn) {
		return nil, errors.New("not logged in, run 'driveclonr login' first")
	}

	return creds, err
}

// openBrowser launches the platform URL opener.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}
