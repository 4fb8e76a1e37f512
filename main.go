package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/petervdpas/callsync/internal/api"
	"github.com/petervdpas/callsync/internal/app"
	"github.com/petervdpas/callsync/internal/config"
	"github.com/petervdpas/callsync/internal/storage"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	flagConfig string
	flagVideo  bool
	flagGroup  bool
	flagLimit  int
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:           "callsync",
	Short:         "Call signaling client that keeps one call consistent across surfaces",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the backend and serve the local call API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, created, err := config.Ensure(flagConfig)
		if err != nil {
			return err
		}
		logs := api.NewLogBuffer(800)
		app.SetupLogging(cfg.Log, os.Stderr, logs)
		if created {
			log.Info().Str("path", flagConfig).Msg("wrote default config")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx, app.Options{
			CfgPath: flagConfig,
			Cfg:     cfg,
			Logs:    logs,
			Progress: func(step, total int, label string) {
				log.Debug().Msgf("[%d/%d] %s", step, total, label)
			},
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <user-or-group-id>",
	Short: "Place an outgoing call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, scope := "AUDIO", "DIRECT"
		if flagVideo {
			kind = "VIDEO"
		}
		if flagGroup {
			scope = "GROUP"
		}
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			cs, err := c.Start(ctx, args[0], kind, scope)
			if err != nil {
				return err
			}
			return show(cs, func() { fmt.Printf("calling %s (call %s, %s)\n", args[0], cs.CallID, cs.Status) })
		})
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <call-id>",
	Short: "Accept an incoming call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			cs, err := c.Accept(ctx, args[0])
			if err != nil {
				return err
			}
			return show(cs, func() { fmt.Printf("answered %s, %s\n", cs.CallID, cs.Status) })
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <call-id>",
	Short: "Decline an incoming call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			return c.Reject(ctx, args[0])
		})
	},
}

var hangupCmd = &cobra.Command{
	Use:   "hangup [call-id]",
	Short: "End the current call, or the given one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			return c.Hangup(ctx, id)
		})
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Toggle the microphone",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			muted, err := c.ToggleMute(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("muted: %v\n", muted)
			return nil
		})
	},
}

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Toggle the camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			on, err := c.ToggleVideo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("video: %v\n", on)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current call and pending offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *app.LocalClient) error {
			st, err := c.Session(ctx)
			if err != nil {
				return err
			}
			return show(st, func() {
				if st.Session == nil {
					fmt.Println("no call")
				} else {
					s := st.Session
					fmt.Printf("%s %s call with %s: %s (%ds)", s.Direction, s.Kind, s.CounterpartyID, s.Status, s.DurationSec)
					if st.Media.Muted {
						fmt.Print(" [muted]")
					}
					fmt.Println()
				}
				for _, o := range st.Offers {
					fmt.Printf("incoming %s call %s from %s\n", o.Kind, o.CallID, o.Counterparty.Name)
				}
			})
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent calls from the local log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.Open(cfg.Paths.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()
		entries, err := db.RecentCalls(flagLimit)
		if err != nil {
			return err
		}
		return show(entries, func() {
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENDED\tDIRECTION\tKIND\tWITH\tSTATUS\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%ds\n",
					e.EndedAt.Local().Format(time.DateTime), e.Direction, e.Kind, e.CounterpartyID, e.Status, e.DurationSec)
			}
			tw.Flush()
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("callsync %s\n", appVersion)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "callsync.json", "path to the JSON config file")
	flags.BoolVar(&flagJSON, "json", false, "print results as JSON")

	callCmd.Flags().BoolVar(&flagVideo, "video", false, "place a video call")
	callCmd.Flags().BoolVar(&flagGroup, "group", false, "the id is a group id")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of calls to list")

	rootCmd.AddCommand(serveCmd, callCmd, answerCmd, rejectCmd, hangupCmd, muteCmd, videoCmd, statusCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config without creating one; client commands fall
// back to defaults plus environment.
func loadConfig() (config.Config, error) {
	if _, err := os.Stat(flagConfig); err == nil {
		return config.Load(flagConfig)
	}
	cfg := config.Default()
	config.ApplyEnv(&cfg)
	return cfg, cfg.Validate()
}

func withClient(fn func(ctx context.Context, c *app.LocalClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, app.NewLocalClient(url))
}

func show(v any, text func()) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
