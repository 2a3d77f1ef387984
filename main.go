package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"ghosttab/config"
	"ghosttab/logger"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var version = "dev"

var daemonFlag bool

// rootCmd relays stdio between Neovim and the daemon, starting it if needed
var rootCmd = &cobra.Command{
	Use:   "ghosttab",
	Short: "Ghost-text completion daemon for Neovim",
	Long: `ghosttab races a fill-in-the-middle model against a diagnostics fixer
and shows the winning suggestion as ghost text.

Run without arguments from the Neovim plugin: the process relays msgpack-rpc
between Neovim and a shared background daemon, starting it when needed.
Configuration is read as JSON from ` + config.EnvVar + `.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonFlag {
			return runDaemon()
		}
		return runClient()
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the completion daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "Run as the background daemon")
	_ = rootCmd.Flags().MarkHidden("daemon")
	rootCmd.AddCommand(daemonCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func execDir() string {
	execPath, err := os.Executable()
	if err != nil {
		logger.Fatal("error getting executable path: %v", err)
	}
	return filepath.Dir(execPath)
}

func getSocketPath() string { return filepath.Join(execDir(), "ghosttab.sock") }
func getPidPath() string    { return filepath.Join(execDir(), "ghosttab.pid") }
func getLogPath() string    { return filepath.Join(execDir(), "ghosttab.log") }

// setupLogger installs a file logger next to the executable.
// Caller must defer Close.
func setupLogger(level string) (*logger.Logger, error) {
	f, err := os.OpenFile(getLogPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	l := logger.NewFileLogger(f, logger.ParseLogLevel(level))
	return l, nil
}

func isDaemonRunning() (bool, int) {
	data, err := os.ReadFile(getPidPath())
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	// Signal(0) only checks that the process exists
	return process.Signal(syscall.Signal(0)) == nil, pid
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	l, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer l.Close()
	defer logger.RedirectStdLog()()

	logger.Info("config: %+v", redacted(cfg))

	daemon, err := NewDaemon(cfg)
	if err != nil {
		logger.Error("error creating daemon: %v", err)
		return err
	}
	if err := daemon.Start(); err != nil {
		logger.Error("error starting daemon: %v", err)
		return err
	}
	return nil
}

// redacted returns a copy of cfg safe to log
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	if c.Provider.APIKey != "" {
		c.Provider.APIKey = "***"
	}
	return c
}

func runClient() error {
	client := NewClient()
	if err := client.EnsureDaemonRunning(); err != nil {
		return errors.Wrap(err, "ensure daemon is running")
	}
	if err := client.Connect(); err != nil {
		return errors.Wrap(err, "connect to daemon")
	}
	return nil
}
