package main

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"fleetcmd/internal/client"
	"fleetcmd/internal/session"
	"fleetcmd/internal/stats"
	"fleetcmd/internal/target"
	"fleetcmd/internal/template"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// sourcePasswordEnv supplies the copy-from-vm password when the flag is not set
const sourcePasswordEnv = "FLEETCMD_SOURCE_PASSWORD"

// transfer flags shared by upload and copy-from-vm
type transferFlags struct {
	destDir string
	owner   string
	group   string
}

func (f *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.destDir, "dest-dir", "", "Destination directory on the hosts (backend default when empty)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "Owner of the copied file")
	cmd.Flags().StringVar(&f.group, "file-group", "", "Group of the copied file")
}

func (f *transferFlags) details() [][2]string {
	var d [][2]string
	if f.destDir != "" {
		d = append(d, [2]string{"Destination", f.destDir})
	} else {
		d = append(d, [2]string{"Destination", "backend default"})
	}
	if f.owner != "" {
		d = append(d, [2]string{"Owner", f.owner})
	}
	if f.group != "" {
		d = append(d, [2]string{"Group", f.group})
	}
	return d
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <category> <action>",
		Short: "Run a shortcut from the catalogue",
		Long: `Run a named shortcut, such as "Appserver Restart", on the targets.
Shortcut commands are templates; variables come from the 'vars' section of
the configuration (sudo_password for the service shortcuts).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShortcut(cmd, args[0], args[1])
		},
	}
	addCommandFlags(cmd)
	return cmd
}

func runShortcut(cmd *cobra.Command, category, action string) error {
	logger := newLogger()

	catalog, err := newCatalog(logger)
	if err != nil {
		return err
	}
	s, err := catalog.Lookup(category, action)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}
	if s.Kind != template.CommandShortcut {
		return &SetupError{Message: fmt.Sprintf("'%s' is a file operation; use 'fleetcmd %s'", s.Label(), s.Kind)}
	}

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		// the template is shown unrendered so credentials stay out of the plan
		details := [][2]string{{"Shortcut", s.Label()}, {"Template", s.Command}}
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

	res, err := a.controller.RunShortcut(ctx, session.ShortcutIntent{
		Targets:          targets,
		Category:         s.Category,
		Action:           s.Action,
		Sync:             cfg.Sync,
		PostcheckPattern: cfg.Postcheck,
	})
	a.presenter.Finish()
	return outcomeError(res, err)
}

func newShortcutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shortcuts",
		Short: "List the shortcut catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := newCatalog(newLogger())
			if err != nil {
				return err
			}
			renderCatalog(cmd.OutOrStdout(), catalog)
			return nil
		},
	}
}

func renderCatalog(w io.Writer, catalog *template.Catalog) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Category", "Action", "Runs"})

	categories := catalog.Categories()
	for i, cat := range categories {
		for _, s := range cat.Actions {
			runs := s.Command
			if s.Kind != template.CommandShortcut {
				runs = "fleetcmd " + s.Kind.String()
			}
			t.AppendRow(table.Row{cat.Name, s.Action, runs})
		}
		if i < len(categories)-1 {
			t.AppendSeparator()
		}
	}
	t.Render()
}

func newUploadCmd() *cobra.Command {
	var flags transferFlags
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a local file and copy it to every target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return uploadFile(cmd, args[0], flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func uploadFile(cmd *cobra.Command, path string, flags transferFlags) error {
	logger := newLogger()

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}

	req, f, err := client.OpenUpload(path, targets)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to stat upload file: %v", err)}
	}
	if info.IsDir() {
		return &SetupError{Message: fmt.Sprintf("'%s' is a directory", path)}
	}

	if cfg.DryRun {
		details := append([][2]string{
			{"Upload", fmt.Sprintf("%s (%s)", req.FileName, stats.FormatBytes(info.Size()))},
		}, flags.details()...)
		return performDryRun(cmd.OutOrStdout(), "POST /api/upload-copy", details, targets, false)
	}

	a, err := newApp(cmd, logger, true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	res, err := a.controller.Upload(ctx, session.UploadIntent{
		Targets:  targets,
		FileName: req.FileName,
		File:     req.File,
		Size:     info.Size(),
		DestDir:  flags.destDir,
		Owner:    flags.owner,
		Group:    flags.group,
	})
	a.presenter.Finish()
	return outcomeError(res, err)
}

func newCopyFromVMCmd() *cobra.Command {
	var flags transferFlags
	var source client.Source
	cmd := &cobra.Command{
		Use:   "copy-from-vm",
		Short: "Copy a file from a source VM to every target",
		Long: `Copy a file from a source VM to every target. The backend logs in to the
source with the given credentials. The password may also be supplied in the
` + sourcePasswordEnv + ` environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source.Password == "" {
				source.Password = os.Getenv(sourcePasswordEnv)
			}
			return copyFromVM(cmd, source, flags)
		},
	}
	cmd.Flags().StringVar(&source.IP, "source-ip", "", "IPv4 address of the source VM")
	cmd.Flags().StringVar(&source.Username, "source-user", "", "Login user on the source VM")
	cmd.Flags().StringVar(&source.Password, "source-password", "", "Login password on the source VM")
	cmd.Flags().IntVar(&source.Port, "source-port", session.DefaultSourcePort, "SSH port of the source VM")
	cmd.Flags().StringVar(&source.Path, "source-path", "", "Path of the file on the source VM")
	flags.register(cmd)
	return cmd
}

func copyFromVM(cmd *cobra.Command, source client.Source, flags transferFlags) error {
	logger := newLogger()

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		details := append([][2]string{
			{"Source", fmt.Sprintf("%s@%s:%d", source.Username, source.IP, source.Port)},
			{"Source Path", source.Path},
		}, flags.details()...)
		return performDryRun(cmd.OutOrStdout(), "POST /api/copy-from-vm", details, targets, false)
	}

	a, err := newApp(cmd, logger, true)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	res, err := a.controller.CopyFromVM(ctx, session.CopyFromVMIntent{
		Targets: targets,
		Source:  source,
		DestDir: flags.destDir,
		Owner:   flags.owner,
		Group:   flags.group,
	})
	a.presenter.Finish()
	return outcomeError(res, err)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the target list without dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateTargets(cmd.OutOrStdout())
		},
	}
}

func validateTargets(w io.Writer) error {
	logger := newLogger()

	if used := configManager.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Configuration: %s\n", used)
	} else {
		fmt.Fprintln(w, "Configuration: defaults")
	}
	if _, err := newCatalog(logger); err != nil {
		return err
	}

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return &SetupError{Message: session.MessageNoTargets}
	}
	if msg := target.InvalidMessage(targets); msg != "" {
		return &SetupError{Message: msg}
	}

	fmt.Fprintf(w, "%d valid host(s):\n", len(targets))
	for _, t := range targets {
		fmt.Fprintf(w, "  %s\n", t)
	}
	return nil
}

func newJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Follow an existing job until it completes",
		Long: `Follow an existing job until it completes. Without a host source the rows
follow the hosts the job reports.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return trackJob(cmd, args[0])
		},
	}
}

func trackJob(cmd *cobra.Command, jobID string) error {
	logger := newLogger()

	var targets []string
	if hasTargetSource() {
		var err error
		if targets, err = resolveTargets(logger); err != nil {
			return err
		}
	}

	a, err := newApp(cmd, logger, false)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	res, err := a.controller.Track(ctx, session.TrackIntent{JobID: jobID, Targets: targets})
	a.presenter.Finish()
	return outcomeError(res, err)
}

// prompt asks yes/no questions on a terminal
type prompt struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompt(in io.Reader, out io.Writer) *prompt {
	return &prompt{in: bufio.NewReader(in), out: out}
}

// Confirm prints the question and accepts "y" or "yes"; anything else declines
func (p *prompt) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && !stderrors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

var _ session.Confirmer = (*prompt)(nil)
