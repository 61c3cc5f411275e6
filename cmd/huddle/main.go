package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"huddle/cmd/huddle/chat"
	"huddle/internal/client"
	"huddle/internal/config"
	"huddle/internal/conn"
	"huddle/internal/logging"
)

var version = "dev"

var (
	// Global flags
	configPath string
	serverURL  string
	subjectID  string
	sessionID  string
	logLevel   string

	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "huddle - terminal client for the conversational assistant",
	Long: `huddle keeps a persistent event connection to the assistant backend,
reassembles streamed responses into a conversation timeline, and renders
it as an interactive terminal chat.

Run without arguments to start chatting.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, atomicLevel, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the huddle version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("huddle", version)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.URL == "" {
			return fmt.Errorf("no backend configured (--server or HUDDLE_SERVER_URL)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		dialer := &conn.WebsocketDialer{}
		t, err := dialer.Dial(ctx, conn.DialConfig{
			URL:       cfg.Server.URL,
			SubjectID: resolveSubject(cfg),
			SessionID: uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("backend unreachable: %w", err)
		}
		_ = t.Close()
		fmt.Println("backend reachable:", cfg.Server.URL)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.huddle/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend websocket URL")
	rootCmd.PersistentFlags().StringVar(&subjectID, "subject", "", "authenticated subject id")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session id (minted per run when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(doctorCmd)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve config path: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	// Flags win over file and environment.
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if subjectID != "" {
		cfg.Server.SubjectID = subjectID
	}
	if sessionID != "" {
		cfg.Server.SessionID = sessionID
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func resolveSubject(cfg config.Config) string {
	if cfg.Server.SubjectID != "" {
		return cfg.Server.SubjectID
	}
	return "anonymous"
}

func runChat() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.URL == "" {
		return fmt.Errorf("no backend configured (--server or HUDDLE_SERVER_URL)")
	}

	session := cfg.Server.SessionID
	if session == "" {
		session = uuid.NewString()
	}

	var program *tea.Program

	c := client.New(client.Options{
		Config: cfg,
		Logger: logger,
		OnFatal: func(err error) {
			if program != nil {
				program.Send(chat.FatalError(err))
			}
		},
	})
	defer c.Close()

	c.Connect(resolveSubject(cfg), session)

	// Hot-reload the log level while the session runs.
	path := configPath
	if path == "" {
		path, _ = config.DefaultPath()
	}
	if path != "" {
		watcher, err := config.NewWatcher(path, logger, func(next config.Config) {
			if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
				atomicLevel.SetLevel(lvl)
			}
		})
		if err == nil && watcher.Start() == nil {
			defer watcher.Stop()
		}
	}

	model := chat.New(c, logger)
	program = tea.NewProgram(model, tea.WithAltScreen())
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("chat ui: %w", err)
	}
	if m, ok := final.(chat.Model); ok {
		return m.Err()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
