package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/installrelay/internal/client"
	"github.com/zjrosen/installrelay/internal/config"
	"github.com/zjrosen/installrelay/internal/log"
	"github.com/zjrosen/installrelay/internal/mailbox"
	"github.com/zjrosen/installrelay/internal/paths"
	"github.com/zjrosen/installrelay/internal/presentation"
)

// errReported signals a failure whose JSON response was already printed.
var errReported = errors.New("failure reported")

const superviseCommand = "supervise"

var (
	version = "dev"
	cfgFile string
	workDir string
	debug   bool
	pretty  bool
	cfg     config.Config

	// configErr holds a config file read failure until a command runs.
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "installrelay",
	Short: "Drive an interactive installer through a file mailbox",
	Long: `installrelay runs an interactive installer under a detached supervisor.

The supervisor detects when the installer waits for input and records the
question in a state file. Short-lived commands read that state, stream new
output and hand answers back.

Typical session:
  installrelay start
  installrelay check        # repeat until waiting_input or completed
  installrelay answer y
  installrelay stop`,
	Version:           version,
	PersistentPreRunE: loadConfig,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .installrelay/config.yaml or ~/.config/installrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "",
		"mailbox directory shared by the client and the supervisor")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"write debug logs (to $INSTALLRELAY_LOG or debug.log)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false,
		"indent JSON responses")

	_ = viper.BindPFlag("work_dir", rootCmd.PersistentFlags().Lookup("work-dir"))
}

func initConfig() {
	configErr = nil
	defaults := config.Defaults()
	viper.SetDefault("work_dir", defaults.WorkDir)
	viper.SetDefault("installer.command", defaults.Installer.Command)
	viper.SetDefault("installer.args", defaults.Installer.Args)
	viper.SetDefault("installer.dir", defaults.Installer.Dir)
	viper.SetDefault("installer.env", defaults.Installer.Env)
	viper.SetDefault("supervisor.input_poll", defaults.Supervisor.InputPoll)
	viper.SetDefault("supervisor.control_poll", defaults.Supervisor.ControlPoll)
	viper.SetDefault("supervisor.timeout_check", defaults.Supervisor.TimeoutCheck)
	viper.SetDefault("supervisor.quiescence", defaults.Supervisor.Quiescence)
	viper.SetDefault("supervisor.heartbeat_timeout", defaults.Supervisor.HeartbeatTimeout)
	viper.SetDefault("supervisor.tail_width", defaults.Supervisor.TailWidth)
	viper.SetDefault("supervisor.use_fsnotify", defaults.Supervisor.UseFsnotify)
	viper.SetDefault("client.start_settle", defaults.Client.StartSettle)
	viper.SetDefault("client.answer_settle", defaults.Client.AnswerSettle)
	viper.SetDefault("client.stop_settle", defaults.Client.StopSettle)
	viper.SetDefault("client.abandon_after", defaults.Client.AbandonAfter)
	viper.SetDefault("detector.rules_file", defaults.Detector.RulesFile)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("INSTALLRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .installrelay/config.yaml (current directory)
		// 2. ~/.config/installrelay/config.yaml (user config)
		if _, err := os.Stat(paths.LocalConfigPath()); err == nil {
			viper.SetConfigFile(paths.LocalConfigPath())
		} else {
			if dir := paths.UserConfigDir(); dir != "" {
				viper.AddConfigPath(dir)
			}
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Running on defaults is fine; a broken explicit file is reported in loadConfig.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configErr = fmt.Errorf("reading config: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil && configErr == nil {
		configErr = fmt.Errorf("decoding config: %w", err)
	}
	cfg.WorkDir = paths.ResolveWorkDir(cfg.WorkDir)
}

// loadConfig validates the merged configuration and starts client logging.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if configErr != nil {
		return configErr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cmd.Name() != superviseCommand {
		initClientLog()
	}
	return nil
}

// initClientLog enables logging only when asked for, so stdout stays a single
// JSON object.
func initClientLog() {
	if !debug && os.Getenv("INSTALLRELAY_DEBUG") == "" {
		return
	}
	path := os.Getenv("INSTALLRELAY_LOG")
	if path == "" {
		path = "debug.log"
	}
	if _, err := log.Init(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		return
	}
	log.Debug(log.CatConfig, "Config loaded", "file", viper.ConfigFileUsed(), "workDir", cfg.WorkDir)
}

func openMailbox() *mailbox.Mailbox {
	return mailbox.Open(afero.NewOsFs(), cfg.WorkDir)
}

// newClient wires a client to the configured mailbox. The supervisor is this
// same binary running the hidden supervise command.
func newClient() (*client.Client, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	args := []string{superviseCommand, "--work-dir", cfg.WorkDir}
	if used := viper.ConfigFileUsed(); used != "" {
		args = append(args, "--config", used)
	}
	if debug {
		args = append(args, "--debug")
	}

	return client.New(openMailbox(), client.Settings{
		StartSettle:      cfg.Client.StartSettle,
		AnswerSettle:     cfg.Client.AnswerSettle,
		StopSettle:       cfg.Client.StopSettle,
		HeartbeatTimeout: cfg.Supervisor.HeartbeatTimeout,
		AbandonAfter:     cfg.Client.AbandonAfter,
		Executable:       exe,
		SuperviseArgs:    args,
	}), nil
}

type relayOp func(ctx context.Context, c *client.Client, args []string) (client.Response, error)

// runRelay executes one client operation and prints its response. Relay
// failures print a JSON failure and exit non-zero without cobra's usage text.
func runRelay(op relayOp) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true

		c, err := newClient()
		if err != nil {
			return report(cmd, client.Failure(err), err)
		}
		resp, err := op(cmd.Context(), c, args)
		return report(cmd, resp, err)
	}
}

func report(cmd *cobra.Command, resp client.Response, err error) error {
	if err != nil {
		log.ErrorErr(log.CatClient, "Command failed", err, "command", cmd.Name(), "code", resp.Code)
	}
	if ferr := presentation.NewFormatter(cmd.OutOrStdout()).Indented(pretty).FormatResponse(resp); ferr != nil {
		return ferr
	}
	if err != nil {
		return errReported
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
