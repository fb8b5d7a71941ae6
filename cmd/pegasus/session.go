package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/common/tracing"
	"github.com/pegasus-notebook/pegasus/internal/events/bus"
	"github.com/pegasus-notebook/pegasus/internal/session/controller"
)

const (
	passwordEnv = "PEGASUS_PASSWORD"
	tuiLogFile  = "pegasus-tui.log"
)

type sessionOptions struct {
	confirmer controller.Confirmer
	// logToFile keeps log lines off the terminal while the editor owns it.
	logToFile bool
}

// clientSession is a logged-in controller running on its own goroutine.
type clientSession struct {
	cfg  *config.Config
	log  *logger.Logger
	bus  bus.EventBus
	ctrl *controller.Controller

	cancel context.CancelFunc
	done   chan error
}

func startSession(cmd *cobra.Command, flags *rootFlags, opts sessionOptions) (*clientSession, error) {
	cfg, err := config.LoadWithPath(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.baseURL != "" {
		cfg.Client.BaseURL = flags.baseURL
	}
	if flags.username != "" {
		cfg.Client.Username = flags.username
	}

	logCfg := cfg.Logging.ToLoggerConfig()
	if opts.logToFile && (logCfg.OutputPath == "" || logCfg.OutputPath == "stderr" || logCfg.OutputPath == "stdout") {
		logCfg.OutputPath = filepath.Join(os.TempDir(), tuiLogFile)
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	tracing.Configure(cfg.Tracing.ToTracingOptions("pegasus"))

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start event bus: %w", err)
	}
	apiCtx, err := api.NewContext(cfg.Client.BaseURL, cfg.Client.RequestTimeoutDuration(), log)
	if err != nil {
		eventBus.Close()
		return nil, err
	}

	ctrl := controller.New(controller.Options{
		API:            apiCtx,
		Confirmer:      opts.confirmer,
		Bus:            eventBus,
		AutosaveDelay:  cfg.Client.AutosaveDelay(),
		ReconnectDelay: cfg.Client.ReconnectDelay(),
		Logger:         log,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	s := &clientSession{cfg: cfg, log: log, bus: eventBus, ctrl: ctrl, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- ctrl.Serve(ctx) }()

	if err := s.login(cmd); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *clientSession) login(cmd *cobra.Command) error {
	in := bufio.NewReader(cmd.InOrStdin())
	username := s.cfg.Client.Username
	if username == "" {
		name, err := prompt(cmd, in, "Username: ")
		if err != nil {
			return err
		}
		username = name
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		secret, err := readSecret(cmd, in, "Password: ")
		if err != nil {
			return err
		}
		password = secret
	}
	if err := s.ctrl.Login(cmd.Context(), username, password); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return fmt.Errorf("login failed: incorrect username or password")
		}
		return err
	}
	return nil
}

// Close stops the controller and releases the bus and logger.
func (s *clientSession) Close() {
	s.cancel()
	if err := <-s.done; err != nil {
		s.log.Warn("controller exited", zap.Error(err))
	}
	s.bus.Close()
	_ = tracing.Shutdown(context.Background())
	_ = s.log.Sync()
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func readSecret(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(cmd, in, label)
	}
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), label)
	raw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}
