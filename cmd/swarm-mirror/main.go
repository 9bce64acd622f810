package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/swarmgate/swarm-mirror/hook"
	"github.com/swarmgate/swarm-mirror/lock"
	"github.com/swarmgate/swarm-mirror/mirror"
	"github.com/swarmgate/swarm-mirror/repository"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("SWARM_MIRROR_CONFIG"),
			Value:   "/etc/swarm-mirror/config.yaml",
			Usage:   "Absolute path to the endpoints config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

// setup builds the engine shared by all subcommands.
func setup(c *cli.Command) (*mirror.Mirror, *mirror.Config, error) {
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}

	conf, err := mirror.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return mirror.New(nil, nil, conf, nil, logger.With("logger", "swarm-mirror")), conf, nil
}

func openRepo(c *cli.Command) (*repository.Repo, error) {
	dir := c.Args().First()
	if dir == "" {
		return nil, fmt.Errorf("a repository path is required")
	}
	return repository.New(dir, repository.NewGitRunner(logger), logger)
}

func main() {
	cmd := &cli.Command{
		Name:  "swarm-mirror",
		Usage: "swarm-mirror keeps a bare git repository and its mirror gateway in sync.",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "Fetch the active refs from the mirror gateway.",
				ArgsUsage: "<repo>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip-if-pushing",
						Usage: "Report the last outcome instead of waiting for an in-flight push.",
					},
					&cli.BoolFlag{
						Name:  "must",
						Usage: "Exit non-zero when the fetch fails instead of recording the failure.",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					m, _, err := setup(c)
					if err != nil {
						return err
					}
					repo, err := openRepo(c)
					if err != nil {
						return err
					}
					if c.Bool("must") {
						return m.MustFetch(ctx, repo)
					}
					ok, err := m.Fetch(ctx, repo, c.Bool("skip-if-pushing"))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(os.Stderr, mirror.FetchErrorMessage(repo))
					}
					return nil
				},
			},
			{
				Name:      "push",
				Usage:     "Push the given refspecs to the mirror gateway and wait for completion.",
				ArgsUsage: "<repo> <refspec>...",
				Action: func(ctx context.Context, c *cli.Command) error {
					m, _, err := setup(c)
					if err != nil {
						return err
					}
					repo, err := openRepo(c)
					if err != nil {
						return err
					}
					refs := c.Args().Slice()[1:]
					if len(refs) == 0 {
						return fmt.Errorf("at least one refspec is required")
					}
					return m.Push(ctx, repo, refs, mirror.PushOptions{
						OnOutput: func(l string) { fmt.Fprintln(os.Stderr, l) },
					})
				},
			},
			{
				Name:      "receive-pack",
				Usage:     "Run a receive operation with the repository's lock socket published.",
				ArgsUsage: "<repo> -- <cmd>...",
				Action: func(ctx context.Context, c *cli.Command) error {
					if _, _, err := setup(c); err != nil {
						return err
					}
					repo, err := openRepo(c)
					if err != nil {
						return err
					}
					rest := c.Args().Slice()[1:]
					if len(rest) == 0 {
						return fmt.Errorf("a command to wrap is required")
					}
					w := &hook.ReceiveWrapper{
						Coord: lock.NewCoordinator(logger),
						Repo:  repo,
						Log:   logger,
					}
					status, err := w.Run(ctx, rest[0], rest[1:]...)
					if err != nil {
						return err
					}
					os.Exit(status)
					return nil
				},
			},
			{
				Name:      "status",
				Usage:     "Print the repository's mirror state.",
				ArgsUsage: "<repo>",
				Action: func(ctx context.Context, c *cli.Command) error {
					m, _, err := setup(c)
					if err != nil {
						return err
					}
					repo, err := openRepo(c)
					if err != nil {
						return err
					}
					return printStatus(ctx, m, repo)
				},
			},
			{
				Name:      "reenable",
				Usage:     "Reconnect the repository to a configured gateway endpoint and resync it.",
				ArgsUsage: "<repo> <endpoint-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					m, conf, err := setup(c)
					if err != nil {
						return err
					}
					repo, err := openRepo(c)
					if err != nil {
						return err
					}
					id := c.Args().Get(1)
					if id == "" {
						return fmt.Errorf("an endpoint id is required")
					}
					ep, err := conf.Resolve(id)
					if err != nil {
						return err
					}
					return m.Reenable(ctx, repo, ep.URL)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, m *mirror.Mirror, repo *repository.Repo) error {
	url, err := repo.MirrorURL(ctx)
	if err != nil {
		return err
	}
	if url == "" {
		fmt.Println("mirror: disabled")
	} else {
		fmt.Printf("mirror: %s\n", url)
	}

	pushing, err := m.Pushing(repo)
	if err != nil {
		return err
	}
	fetching, err := m.Fetching(repo)
	if err != nil {
		return err
	}
	fmt.Printf("pushing: %t\nfetching: %t\n", pushing, fetching)

	if t, ok := repo.LastFetch(); ok {
		fmt.Printf("last fetch: %s\n", t.Format(time.RFC3339))
	} else {
		fmt.Println("last fetch: never")
	}
	if msg, ok := repo.FetchError(); ok {
		fmt.Printf("fetch error: %s\n", msg)
	}
	if msg, ok := repo.ReenableError(); ok {
		fmt.Printf("reenable error: %s\n", msg)
	}
	return nil
}
