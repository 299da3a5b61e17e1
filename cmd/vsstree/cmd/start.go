package cmd

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vsstree/server/internal/adapter/inbound/stdio"
	"github.com/vsstree/server/internal/adapter/outbound/cel"
	"github.com/vsstree/server/internal/adapter/outbound/recorder"
	"github.com/vsstree/server/internal/adapter/outbound/rs256"
	"github.com/vsstree/server/internal/adapter/outbound/treeio"
	"github.com/vsstree/server/internal/config"
	"github.com/vsstree/server/internal/domain/access"
	"github.com/vsstree/server/internal/domain/authn"
	"github.com/vsstree/server/internal/domain/channel"
	"github.com/vsstree/server/internal/domain/commandproc"
	"github.com/vsstree/server/internal/domain/subscription"
	"github.com/vsstree/server/internal/domain/tree"
	"github.com/vsstree/server/internal/domain/vsspath"
)

var startDevMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server, reading commands from stdin",
	Long: `Start the vsstree server, loading the base signal tree and any
overlays, then reading newline-delimited JSON command envelopes from stdin
and writing responses to stdout until stdin closes.

Examples:
  vsstree start
  vsstree --config ./vsstree.yaml start --dev`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startDevMode, "dev", false, "Enable development mode (grants the local channel full access without a token)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if startDevMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("vsstree stopped")
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := subscription.NewRegistry(notificationEncoder)
	store := tree.NewStore(registry)

	loader := treeio.NewLoader(logger)
	if err := loader.LoadBase(store, cfg.Tree.BasePath); err != nil {
		return fmt.Errorf("loading base tree: %w", err)
	}
	if cfg.Tree.OverlayDir != "" {
		if err := loader.LoadOverlayDir(store, cfg.Tree.OverlayDir); err != nil {
			return fmt.Errorf("loading tree overlays: %w", err)
		}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("creating filter evaluator: %w", err)
	}

	var rec commandproc.Recorder = commandproc.NullRecorder{}
	if cfg.Record.Enabled {
		csvRecorder, err := recorder.NewCSVRecorder(recorder.Config{
			Dir:           cfg.Record.Dir,
			RetentionDays: cfg.Record.RetentionDays,
			MaxFileSizeMB: cfg.Record.MaxFileSizeMB,
			ChannelSize:   cfg.Record.ChannelSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("creating record store: %w", err)
		}
		defer func() { _ = csvRecorder.Close() }()
		rec = csvRecorder
	}

	reg := prometheus.NewRegistry()
	metrics := commandproc.NewMetrics(reg)
	processor := commandproc.New(store, registry, rec, evaluator, metrics)

	ch, err := operatorChannel(cfg, logger)
	if err != nil {
		return err
	}

	transport := stdio.New(processor, ch, logger)
	defer registry.CloseChannel(ch.ID)
	logger.Info("vsstree starting", "dev_mode", cfg.DevMode, "base_path", cfg.Tree.BasePath)
	return transport.Start(ctx, os.Stdin, os.Stdout)
}

// operatorChannel builds the stdio transport's single channel. In dev mode
// it is granted blanket local access with no token; otherwise the operator
// token is read from auth.token_path and verified against the configured
// public key, and the channel's permissions, modify-tree grant and expiry
// all come from the verified claims.
func operatorChannel(cfg *config.Config, logger *slog.Logger) (*channel.Channel, error) {
	ch := channel.New(uuid.NewString(), channel.TransportInternal)
	if cfg.DevMode {
		ch.Authorized = true
		ch.ModifyTree = true
		ch.Permissions = access.NewChecker(localChannelRules(), cfg.Auth.AccessCacheSize)
		logger.Warn("dev mode: local channel granted full read/write access without a token")
		return ch, nil
	}

	pub, err := loadPublicKey(cfg.Auth.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading auth public key: %w", err)
	}
	auth := authn.New(rs256.New(pub), cfg.Auth.AccessCacheSize)

	raw, err := os.ReadFile(cfg.Auth.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("reading operator token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if code := auth.Authenticate(ch, token); code < 0 {
		return nil, fmt.Errorf("operator token rejected (code %d)", code)
	}

	// Only the argon2id hash of the token ever reaches a log line.
	hash, err := authn.HashToken(token)
	if err != nil {
		return nil, fmt.Errorf("hashing operator token: %w", err)
	}
	logger.Info("operator channel authenticated",
		"token_hash", hash,
		"modify_tree", ch.ModifyTree,
		"token_expiry", ch.TokenExpiry)
	return ch, nil
}

// localChannelRules grants the dev-mode stdio operator channel read/write
// access at every depth. Access patterns only match paths of equal segment
// length (there is no recursive wildcard), so this enumerates one all-
// wildcard rule per depth up to maxLocalDepth.
const maxLocalDepth = 10

func localChannelRules() []access.Rule {
	rules := make([]access.Rule, 0, maxLocalDepth)
	segs := make([]string, 0, maxLocalDepth)
	for i := 0; i < maxLocalDepth; i++ {
		segs = append(segs, vsspath.Wildcard)
		rules = append(rules, access.Rule{
			Pattern: vsspath.Path{Segments: append([]string(nil), segs...)},
			Right:   access.RightReadWrite,
		})
	}
	return rules
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rs256.LoadPublicKeyPEM(data)
}

// notificationEncoder renders a subscription push as the wire envelope
// documented for live updates: a distinct "subscription" action carrying the
// subscription ID, the value that changed, and the commit timestamp.
func notificationEncoder(path vsspath.Path, attr string, value any, ts time.Time, subID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"action":         "subscription",
		"subscriptionId": subID,
		"path":           path.Display(),
		"attribute":      attr,
		"value":          value,
		"ts":             ts.UnixMilli(),
	})
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
