package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/CZERTAINLY/presenced/internal/log"
	"github.com/CZERTAINLY/presenced/internal/model"
	"github.com/CZERTAINLY/presenced/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/presenced on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	logFile *os.File // service.log_dir sink, if configured
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "presenced")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is presenced.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initPresenced
	// the worker is configured by its environment only
	workerCmd.PersistentPreRunE = initWorker

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	// the only signal listener, everything below gets a context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("presenced failed", "err", err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "presenced",
	Short:        "Supervisor keeping presence workers alive",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and supervises every tool",
	RunE:  doRun,
}

var workerCmd = &cobra.Command{
	Use:    service.WorkerArg,
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var checkCmd = &cobra.Command{
	Use:   "check [tool...]",
	Short: "check validates the configuration and prints the effective tools",
	RunE:  doCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a presenced",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("presenced: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("presenced: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("presenced",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	slog.InfoContext(ctx, "supervising tools", "tools", len(config.Tools), "config", configPath)
	return service.Run(ctx, config)
}

func initPresenced(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("PRESENCEDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "presenced.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "presenced.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			setLogger(slog.LevelInfo)
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.Message, d.Attr("error"), slog.String("path", configPath))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	level := log.Level(config.Service.Verbose, "")
	if config.Service.LogDir != "" {
		f, err := log.OpenFile(config.Service.LogDir, time.Now())
		if err != nil {
			return err
		}
		logFile = f
		slog.SetDefault(log.New(io.MultiWriter(os.Stderr, f), level))
	} else {
		setLogger(level)
	}
	slog.Debug("presenced", "configPath", configPath, "logFile", logFileName())
	return nil
}

func setLogger(level slog.Level) {
	slog.SetDefault(log.New(os.Stderr, level))
}

func logFileName() string {
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
