package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/screenager/mdmirror/internal/classify"
	"github.com/screenager/mdmirror/internal/config"
	"github.com/screenager/mdmirror/internal/index"
	"github.com/screenager/mdmirror/internal/logging"
	"github.com/screenager/mdmirror/internal/session"
	"github.com/screenager/mdmirror/internal/transfer"
	"github.com/screenager/mdmirror/internal/tui"
)

// exitRootMissing is returned when the watched directory does not exist.
const exitRootMissing = 2

func main() {
	root := &cobra.Command{
		Use:           "mdmirror",
		Short:         "Mirror markdown files and keep a files.json index of them",
		Long:          "mdmirror watches a directory tree for .md changes, mirrors them into a second directory and keeps files.json in sync.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := config.Defaults()
	var (
		configPath string
		logLevel   string
		logFormat  string
		logFile    string

		out          string
		mirrorTo     string
		prune        bool
		indexSource  string
		maxDepth     int
		debounce     time.Duration
		settle       time.Duration
		copyAttempts int
		port         int
		useTUI       bool

		settings config.Settings
	)
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultFile+" if present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaults.LogFormat, "log format: console or json")
	root.PersistentFlags().StringVar(&logFile, "log-file", defaults.LogFile, "write logs to this file instead of stderr")

	// Session flags are shared by watch, sync and index.
	addSessionFlags := func(cmd *cobra.Command, mirroring bool) {
		cmd.Flags().StringVarP(&out, "out", "o", defaults.Out, "index document path (relative to the working directory)")
		cmd.Flags().IntVar(&maxDepth, "max-depth", defaults.MaxDepth, "limit recursion depth (-1 = unlimited)")
		if !mirroring {
			return
		}
		cmd.Flags().StringVar(&mirrorTo, "mirror-to", defaults.MirrorTo, "mirror directory (empty disables mirroring)")
		cmd.Flags().BoolVar(&prune, "prune", defaults.Prune, "remove mirror files with no source on start-up")
		cmd.Flags().StringVar(&indexSource, "index-source", defaults.IndexSource, "build the index from \"watch\" or \"mirror\" (default mirror when mirroring)")
		cmd.Flags().IntVar(&copyAttempts, "copy-attempts", defaults.CopyAttempts, "copy attempts per file before giving up")
		cmd.Flags().DurationVar(&settle, "settle", defaults.Settle, "stability probe interval")
	}

	// Config file values fill every flag the user did not set.
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		override := func(name string, apply func()) {
			if flags.Changed(name) {
				apply()
			}
		}
		override("log-level", func() { s.LogLevel = logLevel })
		override("log-format", func() { s.LogFormat = logFormat })
		override("log-file", func() { s.LogFile = logFile })
		override("out", func() { s.Out = out })
		override("max-depth", func() { s.MaxDepth = maxDepth })
		override("mirror-to", func() { s.MirrorTo = mirrorTo })
		override("prune", func() { s.Prune = prune })
		override("index-source", func() { s.IndexSource = indexSource })
		override("copy-attempts", func() { s.CopyAttempts = copyAttempts })
		override("settle", func() { s.Settle = settle })
		override("debounce", func() { s.Debounce = debounce })
		override("port", func() { s.Port = port })
		settings = s

		// The dashboard owns the terminal; logs go to the log file or nowhere.
		return logging.Init(logging.Config{
			Level:      s.LogLevel,
			Format:     s.LogFormat,
			OutputPath: s.LogFile,
			Discard:    useTUI && s.LogFile == "",
		})
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	}

	sessionOptions := func(args []string, mirroring bool) session.Options {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		opts := session.Options{
			Root:     dir,
			Output:   settings.Out,
			MaxDepth: settings.MaxDepth,
			Debounce: settings.Debounce,
			Classify: classify.Options{
				HiddenAllow: settings.AllowHiddenPrefix,
				SkipDirs:    settings.SkipDirs,
				IgnoreFile:  settings.IgnoreFile,
			},
		}
		if mirroring {
			copts := transfer.DefaultOptions()
			copts.Attempts = settings.CopyAttempts
			copts.Settle = settings.Settle
			opts.MirrorRoot = settings.MirrorTo
			opts.Prune = settings.Prune
			opts.IndexSource = settings.IndexSource
			opts.Copy = copts
		}
		if settings.Port > 0 {
			opts.Addr = fmt.Sprintf("127.0.0.1:%d", settings.Port)
		}
		return opts
	}

	// ---- mdmirror watch [dir] ----------------------------------------------
	watchCmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Sync, index, then mirror changes live until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.Named("session")
			s, err := session.New(sessionOptions(args, true), log)
			if err != nil {
				return err
			}

			if !useTUI {
				st := s.Status()
				fmt.Fprintf(os.Stderr, "[watch] Watching %s (output: %s). Press Ctrl+C to stop\n", st.Root, st.Output)
				err := s.Run(ctx)
				fmt.Fprintln(os.Stderr, "\n[watch] Stopped.")
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			p := tea.NewProgram(tui.New(s), tea.WithAltScreen(), tea.WithContext(ctx))
			_, tuiErr := p.Run()
			cancel()
			if err := <-done; err != nil {
				return err
			}
			if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
				return tuiErr
			}
			return nil
		},
	}
	addSessionFlags(watchCmd, true)
	watchCmd.Flags().DurationVar(&debounce, "debounce", defaults.Debounce, "quiet period before a batch of changes is applied")
	watchCmd.Flags().IntVar(&port, "port", defaults.Port, "serve files.json, mirrored files and metrics on 127.0.0.1:<port> (0 disables)")
	watchCmd.Flags().BoolVar(&useTUI, "tui", false, "show the interactive dashboard")
	root.AddCommand(watchCmd)

	// ---- mdmirror sync [dir] -----------------------------------------------
	syncCmd := &cobra.Command{
		Use:   "sync [dir]",
		Short: "Mirror every tracked file once, optionally prune, and write the index",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := session.SyncOnce(ctx, sessionOptions(args, true), logging.Named("session"))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[mirror] Completed initial copy: %d copied, %d unchanged, %d failed\n",
				res.Synced.Copied, res.Synced.Unchanged, res.Synced.Failed)
			if settings.Prune {
				fmt.Fprintf(os.Stderr, "[mirror] Prune removed: %d files\n", res.Pruned)
			}
			fmt.Fprintf(os.Stderr, "Done. %d entries written to %s\n", res.IndexEntries, res.Output)
			return nil
		},
	}
	addSessionFlags(syncCmd, true)
	root.AddCommand(syncCmd)

	// ---- mdmirror index [dir] ----------------------------------------------
	indexCmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Write the index of a directory without mirroring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := session.SyncOnce(ctx, sessionOptions(args, false), logging.Named("session"))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Done. %d entries written to %s\n", res.IndexEntries, res.Output)
			return nil
		},
	}
	addSessionFlags(indexCmd, false)
	root.AddCommand(indexCmd)

	// ---- mdmirror stats ----------------------------------------------------
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index document statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fi, err := os.Stat(settings.Out)
			if os.IsNotExist(err) {
				fmt.Printf("No index at %s; run `mdmirror index` first.\n", settings.Out)
				return nil
			}
			if err != nil {
				return err
			}
			entries, err := index.Read(settings.Out)
			if err != nil {
				return err
			}
			dirs := make(map[string]struct{})
			for _, e := range entries {
				dirs[filepath.Dir(e)] = struct{}{}
			}
			fmt.Printf("index:     %s\n", settings.Out)
			fmt.Printf("entries:   %d\n", len(entries))
			fmt.Printf("dirs:      %d\n", len(dirs))
			fmt.Printf("size:      %d KB\n", (fi.Size()+1023)/1024)
			fmt.Printf("updated:   %s\n", fi.ModTime().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	statsCmd.Flags().StringVarP(&out, "out", "o", defaults.Out, "index document path")
	root.AddCommand(statsCmd)

	// ---- mdmirror clear ----------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the mirror directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := settings.MirrorTo
			if dir == "" {
				fmt.Println("No mirror configured, nothing to clear.")
				return nil
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if cwd, err := os.Getwd(); err == nil && (abs == cwd || abs == filepath.Dir(abs)) {
				return fmt.Errorf("refusing to remove %s", abs)
			}
			if _, err := os.Stat(abs); os.IsNotExist(err) {
				fmt.Println("No mirror found, nothing to clear.")
				return nil
			}
			if !forceFlag {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", abs)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(abs); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Mirror cleared.")
			return nil
		},
	}
	clearCmd.Flags().StringVar(&mirrorTo, "mirror-to", defaults.MirrorTo, "mirror directory")
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		if errors.Is(err, session.ErrRootMissing) {
			os.Exit(exitRootMissing)
		}
		logging.L().Debug("exit", zap.Error(err))
		os.Exit(1)
	}
}
