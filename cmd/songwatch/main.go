// songwatch follows a songsync session from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/ashureev/songsync/internal/client"
	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/health"
)

// Build flags
var version = ""
var commit = ""
var date = ""

const envPrefix = "SONGWATCH"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("songwatch", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "songwatch [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(),
			newCreateCommand(),
			newSayCommand(),
			newReviewCommand(),
			newWatchCommand(),
			newHealthCommand(),
		},
	}
}

func newVersionCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "songwatch version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

// serverFlags are shared by every subcommand that talks HTTP.
type serverFlags struct {
	server   string
	clientID string
	timeout  time.Duration
}

func (s *serverFlags) register(fs *flag.FlagSet) {
	_ = fs.String("config", "", "config file (optional)")
	fs.StringVar(&s.server, "server", "http://localhost:8080", "songsync server base URL")
	fs.StringVar(&s.clientID, "client-id", "", "client id (random when empty)")
	fs.DurationVar(&s.timeout, "timeout", 30*time.Second, "HTTP request timeout")
}

func (s *serverFlags) source() *client.HTTPSource {
	return client.NewHTTPSource(s.server, s.clientID, s.timeout)
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

func newCreateCommand() *ffcli.Command {
	cmd := "create"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var srv serverFlags
	srv.register(fs)

	var cfg domain.GenerationConfig
	fs.Float64Var(&cfg.Duration, "duration", 30, "song duration in seconds")
	fs.StringVar(&cfg.Language, "language", "en", "lyrics language")
	fs.BoolVar(&cfg.Phonetic, "phonetic", false, "annotate polyphonic characters in Chinese lyrics")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songwatch %s [flags] [first message]", cmd),
		ShortHelp:  "create a session and print its id",
		Options:    options(),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			src := srv.source()
			id, err := src.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			if msg := strings.Join(args, " "); msg != "" {
				if err := src.SendMessage(ctx, id, msg); err != nil {
					return fmt.Errorf("send message: %w", err)
				}
			}
			fmt.Println(id)
			return nil
		},
	}
}

func newSayCommand() *ffcli.Command {
	cmd := "say"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var srv serverFlags
	srv.register(fs)
	var sessionID string
	fs.StringVar(&sessionID, "session", "", "session id")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songwatch %s -session <id> <message...>", cmd),
		ShortHelp:  "send a message to a session",
		Options:    options(),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			msg := strings.Join(args, " ")
			if sessionID == "" || msg == "" {
				return flag.ErrHelp
			}
			return srv.source().SendMessage(ctx, sessionID, msg)
		},
	}
}

func newReviewCommand() *ffcli.Command {
	cmd := "review"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var srv serverFlags
	srv.register(fs)
	var sessionID, feedback string
	var lyricsVersion int
	var approve bool
	fs.StringVar(&sessionID, "session", "", "session id")
	fs.IntVar(&lyricsVersion, "version", 0, "lyrics version to review")
	fs.BoolVar(&approve, "approve", false, "approve the version (reject when false)")
	fs.StringVar(&feedback, "feedback", "", "feedback for a rejected version")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songwatch %s -session <id> -version <n> [-approve | -feedback <text>]", cmd),
		ShortHelp:  "approve or reject a lyrics version",
		Options:    options(),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if sessionID == "" || lyricsVersion < 1 {
				return flag.ErrHelp
			}
			return srv.source().Review(ctx, sessionID, lyricsVersion, approve, feedback)
		},
	}
}

func newWatchCommand() *ffcli.Command {
	cmd := "watch"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var srv serverFlags
	srv.register(fs)
	var sessionID string
	var debugLogs, verbose bool
	var minBackoff, maxBackoff time.Duration
	fs.StringVar(&sessionID, "session", "", "session id")
	fs.BoolVar(&debugLogs, "debug", false, "print session debug logs")
	fs.BoolVar(&verbose, "verbose", false, "log reconnects and transport errors")
	fs.DurationVar(&minBackoff, "min-backoff", 500*time.Millisecond, "first reconnect delay")
	fs.DurationVar(&maxBackoff, "max-backoff", 10*time.Second, "largest reconnect delay")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songwatch %s -session <id> [flags]", cmd),
		ShortHelp:  "follow a session until it completes or fails",
		Options:    options(),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if sessionID == "" {
				return flag.ErrHelp
			}
			level := slog.LevelError
			if verbose {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			store := client.NewStore(0)
			if debugLogs {
				store.ToggleDebug()
			}
			p := newPrinter(os.Stdout)
			syncer := client.NewSyncer(srv.source(), store, sessionID,
				client.WithBackoff(minBackoff, maxBackoff),
				client.WithOnChange(p.Print),
				client.WithSyncLogger(logger),
			)
			if err := syncer.Run(ctx); err != nil {
				return err
			}
			p.Final(store.View())
			return nil
		},
	}
}

func newHealthCommand() *ffcli.Command {
	cmd := "health"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")
	var addr, service string
	var timeout time.Duration
	fs.StringVar(&addr, "grpc-addr", "localhost:9090", "gRPC health address")
	fs.StringVar(&service, "service", "", "service name (empty for overall status)")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songwatch %s [flags]", cmd),
		ShortHelp:  "probe the server's gRPC health service",
		Options:    options(),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			status, err := health.Probe(ctx, addr, service)
			if err != nil {
				return fmt.Errorf("probe %s: %w", addr, err)
			}
			fmt.Println(status.String())
			if status.String() != "SERVING" {
				return fmt.Errorf("%s is %s", addr, status)
			}
			return nil
		},
	}
}
