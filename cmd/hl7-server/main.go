package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OberdanBrito/testehl7/internal/config"
	"github.com/OberdanBrito/testehl7/internal/platform/auth"
	"github.com/OberdanBrito/testehl7/internal/platform/db"
	"github.com/OberdanBrito/testehl7/internal/platform/hl7v2"
	"github.com/OberdanBrito/testehl7/internal/platform/middleware"
	"github.com/OberdanBrito/testehl7/internal/platform/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hl7-server",
		Short:        "HL7 v2 segment encoding service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(encodeCmd())
	root.AddCommand(segmentsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HL7 API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a JSON list of segments into an HL7 message",
		Long: `Reads {"segments":[{"type":"PID","values":{...}}, ...]} and writes the
encoded message. Segments are separated by CR unless --lf is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			output, _ := cmd.Flags().GetString("output")
			lf, _ := cmd.Flags().GetBool("lf")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc, err := newEncoder(cfg, zerolog.Nop())
			if err != nil {
				return err
			}

			in, closeIn, err := openInput(cmd, input)
			if err != nil {
				return err
			}
			defer closeIn()

			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			defer closeOut()

			return encodeJSON(enc, in, out, lf)
		},
	}
	cmd.Flags().StringP("input", "i", "-", "JSON input file, - for stdin")
	cmd.Flags().StringP("output", "o", "-", "output file, - for stdout")
	cmd.Flags().Bool("lf", false, "separate segments with LF instead of CR")
	return cmd
}

func segmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments [TYPE...]",
		Short: "List registered segment layouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSegments(cmd.OutOrStdout(), hl7v2.StandardRegistry(), args)
		},
	}
}

// encodeRequest is the input document of the encode command.
type encodeRequest struct {
	Segments []hl7v2.Segment `json:"segments"`
}

func encodeJSON(enc *hl7v2.Encoder, in io.Reader, out io.Writer, lf bool) error {
	var req encodeRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if len(req.Segments) == 0 {
		return fmt.Errorf("input contains no segments")
	}

	msg, err := enc.EncodeSegments(req.Segments...)
	if err != nil {
		return err
	}
	if lf {
		msg = strings.ReplaceAll(msg, hl7v2.SegmentTerminator, "\n")
	}
	_, err = io.WriteString(out, msg+"\n")
	return err
}

func printSegments(w io.Writer, reg *hl7v2.Registry, types []string) error {
	specs := reg.Specs()
	if len(types) > 0 {
		specs = specs[:0]
		for _, t := range types {
			spec, err := reg.Lookup(strings.ToUpper(t))
			if err != nil {
				return err
			}
			specs = append(specs, spec)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tPOS\tFIELD\tKIND\tDEFAULT")
	for _, spec := range specs {
		for _, f := range spec.Fields() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", spec.Type(), f.Position, f.Name, f.Kind, f.Default)
		}
	}
	return tw.Flush()
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newEncoder(cfg *config.Config, logger zerolog.Logger, opts ...hl7v2.EncoderOption) (*hl7v2.Encoder, error) {
	d, err := cfg.Delimiters()
	if err != nil {
		return nil, err
	}
	opts = append([]hl7v2.EncoderOption{hl7v2.WithLogger(logger)}, opts...)
	return hl7v2.NewEncoder(hl7v2.StandardRegistry(), d, opts...)
}

// newServer builds the HTTP server. store may be nil, in which case the
// archive endpoints are not registered; pool may be nil, in which case the
// database health endpoint is not registered.
func newServer(cfg *config.Config, logger zerolog.Logger, store hl7v2.MessageStore, pool *pgxpool.Pool) (*echo.Echo, error) {
	metrics := telemetry.NewProvider()
	enc, err := newEncoder(cfg, logger, hl7v2.WithRecorder(metrics))
	if err != nil {
		return nil, err
	}
	gen := hl7v2.NewGenerator(enc, cfg.Header())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"X-HL7-Control-ID", "X-HL7-Message-ID", "Link"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	handler := hl7v2.NewHandler(enc, gen, store, logger)
	handler.RegisterRoutes(apiV1, auth.RequireScope("hl7/archive.read"))

	return e, nil
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back
// to an in-memory archive otherwise. The returned pool is nil in the latter
// case.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (hl7v2.MessageStore, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, archiving messages in memory")
		return hl7v2.NewInMemoryMessageStore(), nil, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL:    cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}

	store := hl7v2.NewPGMessageStoreFromPool(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	return store, pool, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: DevAuthMiddleware is active and unauthenticated requests get every hl7 scope")
	}

	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open message archive")
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	e, err := newServer(cfg, logger, store, pool)
	if err != nil {
		return err
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("delimiters", delimitersString(cfg)).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err, ok := <-errCh:
		if ok {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func delimitersString(cfg *config.Config) string {
	d, err := cfg.Delimiters()
	if err != nil {
		return ""
	}
	return d.String()
}
