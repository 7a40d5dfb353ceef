// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	vnc "github.com/tenthirtyam/go-vncserver"
)

const httpShutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var (
		listen   string
		ws       string
		admin    string
		connect  string
		repeater string
		viewOnly bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen.Address = listen
			}
			if cmd.Flags().Changed("websocket") {
				cfg.Listen.WebSocket = ws
			}
			if cmd.Flags().Changed("admin") {
				cfg.Admin.Address = admin
			}
			if cmd.Flags().Changed("connect") {
				cfg.Reconnect.Address = connect
				cfg.Reconnect.RepeaterID = repeater
			}
			if viewOnly {
				cfg.Session.EnableRemoteInputs = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "TCP address for viewers (empty disables)")
	cmd.Flags().StringVar(&ws, "websocket", "", "HTTP address for WebSocket viewers")
	cmd.Flags().StringVar(&admin, "admin", "", "HTTP address for the admin API")
	cmd.Flags().StringVar(&connect, "connect", "", "host:port of a listening viewer or repeater to dial")
	cmd.Flags().StringVar(&repeater, "repeater-id", "", "repeater id sent after dialing --connect")
	cmd.Flags().BoolVar(&viewOnly, "view-only", false, "ignore keyboard and pointer input from every viewer")
	return cmd
}

func newLogger(cfg vnc.LogConfig) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}
	return config.Build()
}

// inputLogger records viewer input. The test pattern has nothing to drive.
type inputLogger struct {
	log *zap.Logger
}

func (l inputLogger) KeyEvent(id vnc.ClientID, keysym uint32, down bool) {
	l.log.Debug("key event", zap.Stringer("client", id), zap.Uint32("keysym", keysym), zap.Bool("down", down))
}

func (l inputLogger) PointerEvent(id vnc.ClientID, mask vnc.ButtonMask, p vnc.Point) {
	l.log.Debug("pointer event", zap.Stringer("client", id), zap.Uint8("buttons", uint8(mask)),
		zap.Int("x", p.X), zap.Int("y", p.Y))
}

func (l inputLogger) ClientCutText(id vnc.ClientID, text string) {
	l.log.Debug("clipboard", zap.Stringer("client", id), zap.Int("length", len(text)))
}

func serve(ctx context.Context, cfg vnc.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fb, err := vnc.NewFramebuffer(cfg.Display.Width, cfg.Display.Height,
		formatForDepth(cfg.Display.Depth), cfg.Display.Name)
	if err != nil {
		return err
	}

	s, err := vnc.NewServer(fb, cfg,
		vnc.WithLogger(vnc.NewZapLogger(logger)),
		vnc.WithMetrics(vnc.NewMetrics(reg)),
		vnc.WithInputHandler(inputLogger{log: logger.Named("input")}),
	)
	if err != nil {
		return err
	}

	p, err := newPattern(fb, s.Broadcaster())
	if err != nil {
		return err
	}

	var l net.Listener
	if cfg.Listen.Address != "" {
		l, err = net.Listen("tcp", cfg.Listen.Address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Listen.Address, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Run(gctx)
	})
	g.Go(func() error {
		return p.run(gctx)
	})
	if l != nil {
		g.Go(func() error {
			return s.Serve(gctx, l)
		})
	}

	if cfg.Listen.WebSocket != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Listen.WebSocketPath, vnc.WebSocketHandler(s, func(*http.Request) bool { return true }))
		serveHTTP(gctx, g, logger, "websocket", cfg.Listen.WebSocket, mux)
	}

	if cfg.Admin.Address != "" {
		serveHTTP(gctx, g, logger, "admin", cfg.Admin.Address, vnc.AdminHandler(s, reg))
	}

	logger.Info("vncserver started",
		zap.String("version", version),
		zap.Int("width", cfg.Display.Width),
		zap.Int("height", cfg.Display.Height),
		zap.Int("depth", cfg.Display.Depth))

	err = g.Wait()
	logger.Info("vncserver stopped")
	return err
}

// serveHTTP runs an http.Server in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, logger *zap.Logger, name, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP listener started", zap.String("name", name), zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
