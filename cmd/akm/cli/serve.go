package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akmhq/akm/internal/config"
	"github.com/akmhq/akm/internal/server"
)

const banner = `
       _
  __ _| | ___ __ ___
 / _' | |/ / '_ ' _ \
| (_| |   <| | | | | |
 \__,_|_|\_\_| |_| |_|
`

// errInsecureSecret is returned when serve would sign tokens with the
// built-in development secret.
var errInsecureSecret = errors.New("auth.jwt_secret is not set; set AKM_AUTH_JWT_SECRET or pass --dev to use an insecure development secret")

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the akm API server",
		Long: `Start the HTTP server that exposes the key management API, the session
endpoints and the protected route prefix. The lifecycle sweep runs in the
background unless scheduler.enabled is false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode (debug logging, fallback JWT secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// signingSecret returns the configured JWT secret. The development fallback
// is only accepted with --dev.
func signingSecret(s *config.Settings, dev bool) (string, error) {
	secret := s.JWTSecret
	if secret == "" {
		secret = config.InsecureDevSecret
	}
	if secret == config.InsecureDevSecret && !dev {
		return "", errInsecureSecret
	}
	return secret, nil
}

func runServe(ctx context.Context, dev bool) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if dev {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLogger(s)

	secret, err := signingSecret(s, dev)
	if err != nil {
		return err
	}
	if secret == config.InsecureDevSecret {
		logger.Warn("using the insecure development JWT secret")
	}

	a, err := newApp(ctx, s, logger, secret)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("store initialized", "driver", s.DatabaseDriver)

	n, err := a.store.CountUsers(ctx)
	if err != nil {
		logger.Warn("failed to count users", "error", err)
	} else if n == 0 {
		logger.Warn("no users yet - register via the API or run: akm user create --role admin")
	}

	if s.SchedulerEnabled {
		sched := a.newScheduler()
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := server.New(server.Config{
		Host:            s.Host,
		Port:            s.Port,
		ShutdownTimeout: s.ShutdownTimeout,
		CORSOrigins:     s.CORSOrigins,
		CORSMethods:     s.CORSMethods,
		TrustedProxies:  s.TrustedProxies,
		ProtectedPrefix: s.ProtectedPrefix,
		Version:         versionString(),
		LoginRate:       s.LoginRate,
		MaxBodySize:     server.DefaultConfig().MaxBodySize,
	}, server.Deps{
		Store:     a.store,
		Auth:      a.auth,
		Keys:      a.keys,
		Validator: a.validator,
		Limiter:   a.limiter,
		Metrics:   a.metrics,
		Audit:     a.dispatcher,
	}, logger)

	fmt.Print(banner)
	fmt.Println()
	fmt.Printf("→ akm %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", s.Host, s.Port)
	fmt.Printf("→ Protected:  http://%s:%d%s\n", s.Host, s.Port, s.ProtectedPrefix)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", s.Host, s.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", s.Host, s.Port)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}
