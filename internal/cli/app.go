// Package cli is the command surface of himalaya-cache. It answers the
// cache-aware commands itself and hands every other invocation to the
// himalaya binary untouched.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"aaronromeo.com/himalayacache/internal/agent"
	"aaronromeo.com/himalayacache/internal/archive"
	"aaronromeo.com/himalayacache/internal/cache"
	"aaronromeo.com/himalayacache/internal/config"
	"aaronromeo.com/himalayacache/internal/query"
	"aaronromeo.com/himalayacache/internal/server"
	"aaronromeo.com/himalayacache/internal/syncer"
	"aaronromeo.com/himalayacache/internal/telemetry"
	"aaronromeo.com/himalayacache/pkg/base"
	"aaronromeo.com/himalayacache/pkg/utils"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	urfave "github.com/urfave/cli/v2"
)

const appName = "himalaya-cache"

type App struct {
	settings config.Settings
	stdio    agent.Stdio
	logger   *slog.Logger
	runner   base.Runner
	fs       utils.FileManager
	sleep    agent.SleepFunc
	progress syncer.ProgressFactory
	s3Client func(config.Settings) (s3iface.S3API, error)
	passthru func(ctx context.Context, binary string, args []string, stdio agent.Stdio) error
}

type AppOption func(*App) error

func New(settings config.Settings, opts ...AppOption) (*App, error) {
	a := App{
		settings: settings,
		runner:   agent.ExecRunner{},
		fs:       utils.OSFileManager{},
		progress: syncer.BarProgress,
		s3Client: archive.NewS3Client,
		passthru: agent.Passthrough,
	}
	for _, opt := range opts {
		if err := opt(&a); err != nil {
			return nil, err
		}
	}

	if a.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if a.stdio.Out == nil || a.stdio.Err == nil {
		return nil, errors.New("requires output streams")
	}

	return &a, nil
}

func WithLogger(logger *slog.Logger) AppOption {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

func WithStdio(stdio agent.Stdio) AppOption {
	return func(a *App) error {
		a.stdio = stdio
		return nil
	}
}

func WithRunner(r base.Runner) AppOption {
	return func(a *App) error {
		a.runner = r
		return nil
	}
}

func WithFileManager(fm utils.FileManager) AppOption {
	return func(a *App) error {
		a.fs = fm
		return nil
	}
}

func WithSleep(fn agent.SleepFunc) AppOption {
	return func(a *App) error {
		a.sleep = fn
		return nil
	}
}

func WithProgress(p syncer.ProgressFactory) AppOption {
	return func(a *App) error {
		a.progress = p
		return nil
	}
}

func WithS3Client(fn func(config.Settings) (s3iface.S3API, error)) AppOption {
	return func(a *App) error {
		a.s3Client = fn
		return nil
	}
}

func WithPassthrough(fn func(ctx context.Context, binary string, args []string, stdio agent.Stdio) error) AppOption {
	return func(a *App) error {
		a.passthru = fn
		return nil
	}
}

// Run dispatches args: cache-aware commands run here, anything else is
// passed to himalaya verbatim.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.commands().RunContext(ctx, []string{appName})
	}

	r, ok := match(args)
	if !ok {
		a.logger.DebugContext(ctx, "Passing command to himalaya", slog.String("command", args[0]))
		return a.passthru(ctx, a.settings.Binary, args, a.stdio)
	}

	return a.commands().RunContext(ctx, append([]string{appName}, canonical(r, args)...))
}

func (a *App) store() *cache.Store {
	return cache.NewStore(a.settings.CacheDir, cache.WithFileManager(a.fs))
}

func (a *App) commands() *urfave.App {
	accountFlag := func(required bool) *urfave.StringFlag {
		return &urfave.StringFlag{Name: "account", Usage: "account name as known to himalaya", Required: required}
	}
	folderFlag := func(required bool) *urfave.StringFlag {
		return &urfave.StringFlag{Name: "folder", Usage: "folder name within the account", Required: required}
	}

	return &urfave.App{
		Name:           appName,
		Usage:          "mirror himalaya accounts into a local cache and read from it",
		Writer:         a.stdio.Out,
		ErrWriter:      a.stdio.Err,
		HideVersion:    true,
		ExitErrHandler: func(*urfave.Context, error) {},
		Commands: []*urfave.Command{
			{
				Name:   "sync",
				Usage:  "fetch accounts, folders, envelopes and message bodies into the cache",
				Flags:  []urfave.Flag{accountFlag(false), folderFlag(false)},
				Action: a.sync,
			},
			{
				Name:  "folder",
				Usage: "cached folder commands",
				Subcommands: []*urfave.Command{
					{
						Name:   "list",
						Usage:  "print the cached folder list of an account",
						Flags:  []urfave.Flag{accountFlag(true)},
						Action: a.folderList,
					},
				},
			},
			{
				Name:  "message",
				Usage: "cached message commands",
				Subcommands: []*urfave.Command{
					{
						Name:      "read",
						Usage:     "print a cached message body as a JSON string",
						ArgsUsage: "<id>",
						Flags:     []urfave.Flag{accountFlag(true), folderFlag(true)},
						Action:    a.messageRead,
					},
					{
						Name:      "headers",
						Usage:     "print the parsed headers of a cached message",
						ArgsUsage: "<id>",
						Flags:     []urfave.Flag{accountFlag(true), folderFlag(true)},
						Action:    a.messageHeaders,
					},
				},
			},
			{
				Name:  "envelope",
				Usage: "cached envelope commands",
				Subcommands: []*urfave.Command{
					{
						Name:   "list",
						Usage:  "print cached envelopes of a folder, newest first",
						Flags:  []urfave.Flag{accountFlag(true), folderFlag(true)},
						Action: a.envelopeList,
					},
				},
			},
			{
				Name:   "archive",
				Usage:  "upload cached message bodies to the configured bucket",
				Flags:  []urfave.Flag{accountFlag(false), folderFlag(false)},
				Action: a.archive,
			},
			{
				Name:   "serve",
				Usage:  "serve the cache read-only over HTTP",
				Flags:  []urfave.Flag{&urfave.StringFlag{Name: "addr", Usage: "listen address", Value: a.settings.ServeAddr}},
				Action: a.serve,
			},
		},
	}
}

func (a *App) sync(c *urfave.Context) error {
	ctx := c.Context
	scope := syncer.Scope{Account: c.String("account"), Folder: c.String("folder")}
	if err := scope.Validate(); err != nil {
		return err
	}

	opts := []agent.ClientOption{
		agent.WithBinary(a.settings.Binary),
		agent.WithRunner(a.runner),
		agent.WithLogger(a.logger),
		agent.WithRetry(a.settings.Attempts, a.settings.Backoff),
		agent.WithPageSize(a.settings.PageSize),
	}
	if a.sleep != nil {
		opts = append(opts, agent.WithSleep(a.sleep))
	}
	client, err := agent.NewClient(opts...)
	if err != nil {
		return err
	}

	s, err := syncer.New(
		syncer.WithAgent(client),
		syncer.WithStore(a.store()),
		syncer.WithLogger(a.logger),
		syncer.WithWorkers(a.settings.Workers),
		syncer.WithProgress(a.progress),
	)
	if err != nil {
		return err
	}

	a.logger.DebugContext(ctx, config.Summary(a.settings))
	summary, err := s.Sync(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdio.Out, summary.String())
	return nil
}

func (a *App) folderList(c *urfave.Context) error {
	data, err := query.NewReader(a.store()).FolderList(c.String("account"))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdio.Out, string(data))
	return nil
}

func (a *App) messageRead(c *urfave.Context) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	body, err := query.NewReader(a.store()).ReadMessage(c.String("account"), c.String("folder"), id)
	if err != nil {
		return err
	}
	out, err := query.EncodeMessage(body)
	if err != nil {
		return err
	}
	_, err = a.stdio.Out.Write(out)
	return err
}

func (a *App) messageHeaders(c *urfave.Context) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	fields, err := query.NewReader(a.store()).MessageHeaders(c.String("account"), c.String("folder"), id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding headers")
	}
	fmt.Fprintln(a.stdio.Out, string(out))
	return nil
}

func (a *App) envelopeList(c *urfave.Context) error {
	envelopes, err := query.NewReader(a.store()).ListEnvelopes(c.String("account"), c.String("folder"))
	if err != nil {
		return err
	}
	out, err := query.EncodeEnvelopes(envelopes)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdio.Out, string(out))
	return nil
}

func (a *App) archive(c *urfave.Context) error {
	client, err := a.s3Client(a.settings)
	if err != nil {
		return err
	}
	archiver, err := archive.New(
		archive.WithClient(client),
		archive.WithStore(a.store()),
		archive.WithLogger(a.logger),
		archive.WithBucket(a.settings.S3Bucket, a.settings.S3Prefix),
	)
	if err != nil {
		return err
	}

	result, err := archiver.Run(c.Context, c.String("account"), c.String("folder"))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdio.Out, "archived %d messages, %d already present, %d failed\n",
		result.Uploaded, result.Skipped, len(result.Failures))
	return nil
}

func (a *App) serve(c *urfave.Context) error {
	srv, err := server.New(query.NewReader(a.store()), server.WithLogger(a.logger))
	if err != nil {
		return err
	}
	return srv.Run(c.Context, c.String("addr"))
}

func messageID(c *urfave.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", errors.New("message id is required")
	}
	return id, nil
}

// Main runs one process invocation and returns its exit status.
func Main(ctx context.Context, args []string, stdio agent.Stdio) int {
	if err := config.LoadEnvFile(config.DefaultEnvFile); err != nil {
		fmt.Fprintf(stdio.Err, "error: loading %s: %v\n", config.DefaultEnvFile, err)
		return 1
	}

	settings, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(stdio.Err, "error: %v\n", err)
		return 1
	}

	logger, err := telemetry.NewLogger(stdio.Err, settings.LogLevel, settings.Telemetry.Exporter)
	if err != nil {
		fmt.Fprintf(stdio.Err, "error: %v\n", err)
		return 1
	}

	if _, local := match(args); local {
		shutdown, err := telemetry.Setup(ctx, settings.Telemetry, stdio.Err)
		if err != nil {
			fmt.Fprintf(stdio.Err, "error: setting up telemetry: %v\n", err)
			return 1
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("Failed to flush telemetry", slog.Any("error", err))
			}
		}()
	}

	app, err := New(settings, WithLogger(logger), WithStdio(stdio))
	if err != nil {
		fmt.Fprintf(stdio.Err, "error: %v\n", err)
		return 1
	}

	return ExitCode(app.Run(ctx, args), stdio)
}

// ExitCode reports err on stderr and maps it to a process status.
func ExitCode(err error, stdio agent.Stdio) int {
	if err == nil {
		return 0
	}
	var exitErr *base.PassthroughExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code > 0 {
			return exitErr.Code
		}
		return 1
	}
	fmt.Fprintf(stdio.Err, "error: %v\n", err)
	return 1
}
