// Command garagiste backs up a Google Drive folder to a local directory.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/dtc-innovation/backoff"
	"github.com/dtc-innovation/backoff/gdrive"
	"github.com/dtc-innovation/backoff/internal/auth"
)

// Error is the class of errors the command itself reports.
var Error = errs.Class("garagiste")

// Config holds the command's flags.
type Config struct {
	FolderID     string
	Dir          string
	ClientSecret string
	TokenPath    string
	MinDelay     time.Duration
	MaxRetries   int
	QPS          float64
	Transfers    int
	Verbose      bool
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stderr io.Writer) *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:          "garagiste",
		Short:        "Back up a Google Drive folder to local disk",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return run(ctx, cfg, bufio.NewReader(stdin), stderr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.FolderID, "folder", "", "id of the Drive folder to back up (prompted for if empty)")
	flags.StringVar(&cfg.Dir, "dir", "./tmp", "local directory to back up into")
	flags.StringVar(&cfg.ClientSecret, "client-secret", "client_secret.json", "OAuth2 client secret file")
	flags.StringVar(&cfg.TokenPath, "token", "drive-token.json", "where to cache the OAuth2 token")
	flags.DurationVar(&cfg.MinDelay, "min-delay", backoff.DefaultMinimumDelay, "initial delay before retrying a throttled call")
	flags.IntVar(&cfg.MaxRetries, "max-retries", backoff.DefaultMaxConcurrentRetries, "how many throttled calls may be retried at once")
	flags.Float64Var(&cfg.QPS, "qps", 0, "client-side cap on API calls per second (0 for none)")
	flags.IntVar(&cfg.Transfers, "transfers", 8, "how many files to export or download at once")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log every file and every backoff")
	return cmd
}

func validateConfig(cfg Config) error {
	var group errs.Group
	if cfg.MinDelay <= 0 {
		group.Add(errs.New("--min-delay must be positive"))
	}
	if cfg.MaxRetries < 1 {
		group.Add(errs.New("--max-retries must be at least 1"))
	}
	if cfg.QPS < 0 {
		group.Add(errs.New("--qps must not be negative"))
	}
	if cfg.Transfers < 1 {
		group.Add(errs.New("--transfers must be at least 1"))
	}
	return group.Err()
}

func newLogger(verbose bool, stderr io.Writer) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(stderr)), level))
}

func run(ctx context.Context, cfg Config, stdin *bufio.Reader, stderr io.Writer) (err error) {
	if err := validateConfig(cfg); err != nil {
		return Error.Wrap(err)
	}
	log := newLogger(cfg.Verbose, stderr)
	defer func() { _ = log.Sync() }()
	defer func() {
		if err != nil {
			log.Error("backup failed", zap.Error(err))
		}
	}()

	oauthConfig, err := auth.LoadConfig(cfg.ClientSecret, drive.DriveReadonlyScope)
	if err != nil {
		return err
	}
	authorizer := &auth.Authorizer{
		Config:    oauthConfig,
		TokenPath: cfg.TokenPath,
		Prompt: func(ctx context.Context, authURL string) (string, error) {
			_, _ = fmt.Fprintf(stderr, "Authorize this app by visiting this url: %s\n", authURL)
			return ask(stdin, stderr, "Enter the code from that page here: ")
		},
		Log: log,
	}
	client, err := authorizer.Client(ctx)
	if err != nil {
		return err
	}
	srv, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return Error.Wrap(err)
	}

	folderID := cfg.FolderID
	if folderID == "" {
		folderID, err = ask(stdin, stderr, "Enter the google drive folder id you want to back up: ")
		if err != nil {
			return err
		}
		if folderID == "" {
			return Error.New("no folder id given")
		}
	}

	coord := backoff.NewCoordinator[string](
		backoff.CoordinatorMinimumDelay(cfg.MinDelay),
		backoff.CoordinatorMaxConcurrentRetries(cfg.MaxRetries),
		backoff.CoordinatorClassifier(gdrive.IsUsageLimit),
		backoff.CoordinatorLogger(log.Named("backoff")),
	)
	defer coord.Close()

	backup := gdrive.NewBackup(gdrive.NewFiles(srv), coord, gdrive.Options{
		Resource:  oauthConfig.ClientID,
		QPS:       cfg.QPS,
		Transfers: cfg.Transfers,
		Log:       log.Named("walk"),
	})

	start := time.Now()
	summary, err := backup.Run(ctx, folderID, cfg.Dir)
	if err != nil {
		return err
	}
	log.Info("backup complete",
		zap.String("folder", folderID),
		zap.String("dir", cfg.Dir),
		zap.Int64("folders", summary.Folders),
		zap.Int64("exported", summary.Exported),
		zap.Int64("downloaded", summary.Downloaded),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("bytes", summary.Bytes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func ask(stdin *bufio.Reader, stderr io.Writer, question string) (string, error) {
	_, _ = fmt.Fprint(stderr, question)
	line, err := stdin.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", Error.Wrap(err)
	}
	return strings.TrimSpace(line), nil
}
