package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fleetcmd/internal/client"
	"fleetcmd/internal/config"
	"fleetcmd/internal/dispatch"
	"fleetcmd/internal/errors"
	"fleetcmd/internal/filter"
	"fleetcmd/internal/inventory"
	"fleetcmd/internal/logging"
	"fleetcmd/internal/model"
	"fleetcmd/internal/output"
	"fleetcmd/internal/session"
	"fleetcmd/internal/target"
	"fleetcmd/internal/template"

	"github.com/spf13/cobra"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg           *config.Config
	configManager *config.ViperManager

	// CLI flags
	configFile     string
	server         string
	hosts          string
	hostFile       string
	inventoryFile  string
	group          string
	pollInterval   time.Duration
	requestTimeout time.Duration
	outputMode     string
	filterExpr     string
	quiet          bool
	assumeYes      bool
	dryRun         bool
	noColor        bool
	logLevel       string
	logFormat      string
	showProgress   bool
	showStats      bool
	syncMode       bool
	postcheck      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(getExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetcmd [flags] -- <command>",
	Short: "Dispatch commands and file transfers to a fleet of hosts",
	Long: `fleetcmd sends shell commands, named shortcuts and file transfers to a
fleet command backend, follows the resulting job until every host has
settled and renders the per-host results.

Examples:
  # Run a command on hosts from the command line
  fleetcmd --hosts "10.0.0.1,10.0.0.2" -- uptime

  # Run a command on hosts from a file, synchronously
  fleetcmd --hostfile hosts.txt --sync -- "df -h"

  # Run a shortcut on an inventory group without prompting
  fleetcmd --inventory hosts.yml --group app --yes run Appserver Restart

  # Upload a file
  fleetcmd --hosts 10.0.0.1 upload ./release.tar --dest-dir /opt/releases

  # Only show failed hosts, as JSON
  fleetcmd --hosts 10.0.0.1 --filter status:failed --output json -- "systemctl is-active mysqld"

  # Dry run to see the dispatch plan
  fleetcmd --hosts 10.0.0.1 --dry-run -- "echo test"`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &SetupError{Message: "command is required after '--'"}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		return executeCommand(cmd, command, "")
	},
}

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// version needs no configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetcmd %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newRunCmd(), newShortcutsCmd(), newUploadCmd(), newCopyFromVMCmd(), newValidateCmd(), newJobCmd())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: fleetcmd.yaml in ., ~/.config/fleetcmd, /etc/fleetcmd)")
	flags.StringVar(&server, "server", "", "Backend base URL")
	flags.StringVar(&hosts, "hosts", "", "IPv4 addresses separated by commas, spaces or new lines")
	flags.StringVar(&hostFile, "hostfile", "", "Path to a .txt or .csv file of IPv4 addresses")
	flags.StringVar(&inventoryFile, "inventory", "", "Load hosts from an Ansible inventory file")
	flags.StringVar(&group, "group", "", "Inventory group to target")
	flags.DurationVar(&pollInterval, "poll-interval", dispatch.DefaultPollInterval, "Delay between job polls")
	flags.DurationVar(&requestTimeout, "request-timeout", 5*time.Minute, "Per-request timeout (0 for none)")
	flags.StringVar(&outputMode, "output", "table", "Output format (table, plain, json)")
	flags.StringVar(&filterExpr, "filter", "", "Filter result rows (e.g., 'status:failed host:10.0.*')")
	flags.BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Dispatch without asking for confirmation")
	flags.BoolVar(&dryRun, "dry-run", false, "Show the dispatch plan without contacting the backend")
	flags.BoolVar(&noColor, "no-color", false, "Disable coloured output")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
	flags.BoolVar(&showProgress, "progress", false, "Show a progress bar while polling")
	flags.BoolVar(&showStats, "stats", false, "Show statistics when the dispatch settles")

	addCommandFlags(rootCmd)

	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + `
Note: a raw command must be given after the '--' separator.

Environment variables:
  ` + strings.Join(config.GetEnvVarNames(), "\n  ") + `
`)
}

// addCommandFlags adds the flags that only apply to command dispatches
func addCommandFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&syncMode, "sync", false, "Ask the backend to run the command synchronously")
	cmd.Flags().StringVar(&postcheck, "postcheck", "", "Process pattern the backend checks after the command")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	configManager = config.NewManager(configFile)
	loadedCfg, err := configManager.Load()
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
	}
	cfg = loadedCfg

	if err := overrideConfigWithFlags(cmd); err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to apply CLI flags: %v", err)}
	}
	return nil
}

func overrideConfigWithFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = server
	}
	if flags.Changed("hosts") {
		cfg.Hosts = hosts
	}
	if flags.Changed("hostfile") {
		cfg.HostFile = hostFile
	}
	if flags.Changed("inventory") {
		cfg.Inventory = inventoryFile
	}
	if flags.Changed("group") {
		cfg.Group = group
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval = pollInterval
	}
	if flags.Changed("request-timeout") {
		cfg.RequestTimeout = requestTimeout
	}
	if flags.Changed("output") {
		cfg.Output = outputMode
	}
	if flags.Changed("filter") {
		cfg.Filter = filterExpr
	}
	if flags.Changed("quiet") {
		cfg.Quiet = quiet
	}
	if flags.Changed("yes") {
		cfg.Yes = assumeYes
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flags.Changed("no-color") {
		cfg.NoColor = noColor
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("progress") {
		cfg.ShowProgress = showProgress
	}
	if flags.Changed("stats") {
		cfg.ShowStats = showStats
	}
	if flags.Changed("sync") {
		cfg.Sync = syncMode
	}
	if flags.Changed("postcheck") {
		cfg.Postcheck = postcheck
	}

	if err := configManager.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// app is the wiring of one CLI invocation
type app struct {
	logger     *logging.Logger
	catalog    *template.Catalog
	presenter  *output.TerminalPresenter
	controller *session.Controller
}

func newCatalog(logger *logging.Logger) (*template.Catalog, error) {
	catalog := template.DefaultCatalog()
	if len(cfg.Shortcuts) > 0 {
		if err := catalog.Merge(cfg.Shortcuts); err != nil {
			logger.LogConfigError(configSource(), err)
			return nil, &SetupError{Message: fmt.Sprintf("invalid shortcuts in configuration: %v", err)}
		}
	}
	return catalog, nil
}

// newApp wires the client, the dispatch machine, the presenter and the session.
// confirm asks the operator before dispatching unless --yes is set.
func newApp(cmd *cobra.Command, logger *logging.Logger, confirm bool) (*app, error) {
	mode, err := output.ParseMode(cfg.Output)
	if err != nil {
		return nil, &SetupError{Message: err.Error()}
	}

	var filters []filter.Filter
	if cfg.Filter != "" {
		filters, err = filter.ParseFilterExpression(cfg.Filter)
		if err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to parse filter expression: %v", err)}
		}
	}

	catalog, err := newCatalog(logger)
	if err != nil {
		return nil, err
	}

	api, err := client.New(cfg.Server, client.WithTimeout(cfg.RequestTimeout), client.WithLogger(logger))
	if err != nil {
		return nil, &SetupError{Message: err.Error()}
	}
	machine := dispatch.New(api, dispatch.WithPollInterval(cfg.PollInterval), dispatch.WithLogger(logger))

	presenter := output.NewTerminalPresenter(output.PresenterOptions{
		Mode:     mode,
		Out:      cmd.OutOrStdout(),
		ErrOut:   cmd.ErrOrStderr(),
		Color:    !cfg.NoColor && isTerminal(os.Stdout),
		Quiet:    cfg.Quiet,
		Progress: cfg.ShowProgress,
		Stats:    cfg.ShowStats,
		Filters:  filters,
	})

	opts := []session.Option{
		session.WithCatalog(catalog, cfg.Vars),
		session.WithLogger(logger),
	}
	if confirm && !cfg.Yes {
		if !isTerminal(os.Stdin) {
			return nil, &SetupError{Message: "confirmation needs an interactive terminal; pass --yes to dispatch without it"}
		}
		opts = append(opts, session.WithConfirmer(newPrompt(cmd.InOrStdin(), cmd.ErrOrStderr())))
	}

	return &app{
		logger:     logger,
		catalog:    catalog,
		presenter:  presenter,
		controller: session.NewController(machine, presenter, opts...),
	}, nil
}

func newLogger() *logging.Logger {
	logger := logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)
	logger.LogConfigLoad(configSource())
	return logger
}

// configSource names where the configuration came from
func configSource() string {
	if used := configManager.ConfigFileUsed(); used != "" {
		return used
	}
	return "defaults, environment and CLI flags"
}

func executeCommand(cmd *cobra.Command, command, label string) error {
	logger := newLogger()

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		details := [][2]string{{"Command", command}}
		if label != "" {
			details = [][2]string{{"Shortcut", label}}
		}
		if cfg.Sync {
			details = append(details, [2]string{"Mode", "sync"})
		}
		if cfg.Postcheck != "" {
			details = append(details, [2]string{"Postcheck Pattern", cfg.Postcheck})
		}
		return performDryRun(cmd.OutOrStdout(), "POST /api/execute", details, targets, !cfg.Sync)
	}

	a, err := newApp(cmd, logger, true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	res, err := a.controller.Dispatch(ctx, session.DispatchIntent{
		Targets:          targets,
		Command:          command,
		Label:            label,
		Sync:             cfg.Sync,
		PostcheckPattern: cfg.Postcheck,
	})
	a.presenter.Finish()
	return outcomeError(res, err)
}

// resolveTargets reads hosts from the inventory, --hosts, --hostfile or stdin, in that order.
// --hosts is only split here; the session validates the tokens.
func resolveTargets(logger *logging.Logger) ([]string, error) {
	parser := target.NewParser()
	var targets []string
	var err error
	var source string

	switch {
	case cfg.Inventory != "":
		source = fmt.Sprintf("inventory file: %s", cfg.Inventory)
		inv, invErr := inventory.LoadInventoryFromFile(cfg.Inventory)
		if invErr != nil {
			logger.LogTargetParsingError(source, invErr)
			return nil, &SetupError{Message: fmt.Sprintf("failed to load inventory: %v", invErr)}
		}
		if cfg.Group != "" {
			source = fmt.Sprintf("%s (group %s)", source, cfg.Group)
			targets, err = inv.GetTargetsByGroup(cfg.Group)
		} else {
			targets, err = inv.LoadTargets()
		}
		if err != nil {
			logger.LogTargetParsingError(source, err)
			return nil, &SetupError{Message: fmt.Sprintf("failed to load inventory targets: %v", err)}
		}
	case cfg.Hosts != "":
		source = "CLI hosts parameter"
		targets = target.Sanitize(cfg.Hosts)
	case cfg.HostFile != "":
		source = fmt.Sprintf("host file: %s", cfg.HostFile)
		targets, err = parser.ParseHostFile(cfg.HostFile)
		if err != nil {
			logger.LogTargetParsingError(source, err)
			return nil, &SetupError{Message: err.Error()}
		}
	case !isTerminal(os.Stdin):
		source = "stdin"
		targets, err = parser.ParseStdin()
		if err != nil {
			logger.LogTargetParsingError(source, err)
			return nil, &SetupError{Message: err.Error()}
		}
	default:
		return nil, &SetupError{Message: "must specify hosts via --hosts, --hostfile, --inventory or stdin"}
	}

	logger.LogTargetParsing(source, len(targets))
	return targets, nil
}

// hasTargetSource reports whether any host source was configured
func hasTargetSource() bool {
	return cfg.Inventory != "" || cfg.Hosts != "" || cfg.HostFile != ""
}

func signalContext(logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal, cancelling dispatch", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// outcomeError maps a finished dispatch to the CLI error that sets the exit code
func outcomeError(res dispatch.Result, err error) error {
	switch {
	case err == nil:
	case stderrors.Is(err, session.ErrAborted):
		return &ExecutionError{Message: err.Error(), reported: true}
	case errors.IsValidation(err):
		return &SetupError{Message: errors.UserMessage(err), reported: true}
	default:
		return &SetupError{Message: err.Error()}
	}

	if res.State == dispatch.Failed {
		return &ExecutionError{Message: errors.UserMessage(res.Err), reported: true}
	}

	rows := res.Snapshot.Rows()
	groups := filter.GroupByStatus(rows)
	failed := len(rows) - len(groups[model.StatusCompleted])
	if failed == 0 {
		return nil
	}

	var parts []string
	for _, status := range filter.StatusNames(groups) {
		if status == model.StatusCompleted {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", status, strings.Join(groups[status], ", ")))
	}
	return &ExecutionError{
		Message:  fmt.Sprintf("%d/%d hosts did not complete (%s)", failed, len(rows), strings.Join(parts, "; ")),
		reported: true,
	}
}

func performDryRun(writer io.Writer, endpoint string, details [][2]string, targets []string, polls bool) error {
	fmt.Fprintln(writer, "fleetcmd Dry Run - Dispatch Plan")
	fmt.Fprintln(writer, "================================")
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Configuration:")
	fmt.Fprintf(writer, "  Server: %s\n", cfg.Server)
	fmt.Fprintf(writer, "  Poll Interval: %v\n", cfg.PollInterval)
	if cfg.RequestTimeout > 0 {
		fmt.Fprintf(writer, "  Request Timeout: %v\n", cfg.RequestTimeout)
	} else {
		fmt.Fprintf(writer, "  Request Timeout: unlimited\n")
	}
	fmt.Fprintf(writer, "  Output Format: %s\n", cfg.Output)
	if cfg.Filter != "" {
		fmt.Fprintf(writer, "  Result Filter: %s\n", cfg.Filter)
	}
	fmt.Fprintf(writer, "  Confirmation: %t\n", !cfg.Yes)
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Operation:")
	for _, d := range details {
		fmt.Fprintf(writer, "  %s: %s\n", d[0], d[1])
	}
	fmt.Fprintln(writer)

	fmt.Fprintf(writer, "Targets (%d):\n", len(targets))
	for i, t := range targets {
		if target.IsValidAddress(t) {
			fmt.Fprintf(writer, "  %d. %s\n", i+1, t)
		} else {
			fmt.Fprintf(writer, "  %d. %s (invalid)\n", i+1, t)
		}
	}
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Dispatch Flow:")
	fmt.Fprintf(writer, "  1. Send %s for %d host(s)\n", endpoint, len(targets))
	if polls {
		fmt.Fprintf(writer, "  2. Poll GET /api/job/<id> every %v until the job completes\n", cfg.PollInterval)
	} else {
		fmt.Fprintf(writer, "  2. Render the per-host results returned by the backend\n")
	}
	fmt.Fprintf(writer, "  3. Render results in '%s' mode\n", cfg.Output)
	fmt.Fprintf(writer, "  4. Exit non-zero unless every host completed\n")
	fmt.Fprintln(writer)

	if msg := target.InvalidMessage(targets); msg != "" {
		fmt.Fprintf(writer, "Warning: %s\n", msg)
	}
	fmt.Fprintf(writer, "Note: This is a dry run. No request will be sent to the backend.\n")
	fmt.Fprintf(writer, "To dispatch for real, remove the --dry-run flag.\n")

	return nil
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return true // Assume TTY on error
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// ExecutionError represents a failed dispatch or a host that did not complete (exit code 1)
type ExecutionError struct {
	Message  string
	reported bool
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup, configuration or validation (exit code 2)
type SetupError struct {
	Message  string
	reported bool
}

func (e *SetupError) Error() string {
	return e.Message
}

// reportError prints err unless the session already showed it as a banner
func reportError(w io.Writer, err error) {
	var execErr *ExecutionError
	if stderrors.As(err, &execErr) && execErr.reported {
		return
	}
	var setupErr *SetupError
	if stderrors.As(err, &setupErr) && setupErr.reported {
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err)
}

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success (every host completed)
//   - 1: Dispatch failure (the dispatch failed or one or more hosts did not complete)
//   - 2: Setup error (invalid arguments, configuration, validation, etc.)
func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		// Unknown errors (cobra argument errors included) are treated as setup errors
		return 2
	}
}
