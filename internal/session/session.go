// Package session holds the operator-facing state of fleetcmd and turns
// operator intents into dispatches, presenter updates and banners.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"fleetcmd/internal/client"
	"fleetcmd/internal/dispatch"
	"fleetcmd/internal/errors"
	"fleetcmd/internal/logging"
	"fleetcmd/internal/model"
	"fleetcmd/internal/target"
	"fleetcmd/internal/template"
)

// Operator-facing validation messages
const (
	MessageNoTargets     = "Please provide at least one IP address."
	MessageNoCommand     = "Please provide a command to run."
	MessageNoFile        = "Please choose a file to upload."
	MessageBadSourceIP   = "Please provide a valid source IPv4 address."
	MessageNoSourceCreds = "Source username, password and path are required."
	MessageBadSourcePort = "Source port must be between 1 and 65535."
)

// DefaultSourcePort is used when a copy source has no port
const DefaultSourcePort = 22

// LargeUploadBytes is the size above which an upload prompt carries a warning
const LargeUploadBytes = 1 << 30

var (
	// ErrBusy is returned when an intent arrives while a dispatch is in flight
	ErrBusy = stderrors.New("a dispatch is already in progress")
	// ErrAborted is returned when the operator declines the confirmation
	ErrAborted = stderrors.New("aborted by operator")
)

// Presenter renders session output
type Presenter interface {
	// Snapshot renders the rows of a dispatch; Final is set on the last one
	Snapshot(s model.Snapshot) error
	// Banner shows a one-line operator message
	Banner(b model.Banner)
	// Busy toggles the in-flight indicator
	Busy(on bool)
}

// PollRecorder is implemented by presenters that count job polls
type PollRecorder interface {
	RecordPoll(err error)
}

// Confirmer asks the operator to approve a dispatch
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// State is a copy of the session state
type State struct {
	Targets    []string
	Busy       bool
	Generation uint64
	Category   string
	JobID      string
	Phase      dispatch.State
	LastError  string
}

// Controller owns the session state. Only one intent runs at a time.
type Controller struct {
	machine   *dispatch.Machine
	presenter Presenter
	confirmer Confirmer
	catalog   *template.Catalog
	vars      map[string]string
	logger    *logging.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Controller
type Option func(*Controller)

// WithConfirmer sets the confirmation prompt; without one every dispatch is approved
func WithConfirmer(c Confirmer) Option {
	return func(ctl *Controller) {
		ctl.confirmer = c
	}
}

// WithCatalog sets the shortcut catalogue and its template variables
func WithCatalog(c *template.Catalog, vars map[string]string) Option {
	return func(ctl *Controller) {
		ctl.catalog = c
		ctl.vars = vars
	}
}

// WithLogger sets the session logger
func WithLogger(l *logging.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = l
	}
}

// NewController creates a controller driving machine and rendering to presenter
func NewController(machine *dispatch.Machine, presenter Presenter, opts ...Option) *Controller {
	c := &Controller{
		machine:   machine,
		presenter: presenter,
		catalog:   template.DefaultCatalog(),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a copy of the session state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Targets = append([]string(nil), c.state.Targets...)
	return s
}

// DispatchIntent runs a command on the targets
type DispatchIntent struct {
	Targets          []string
	Command          string
	Label            string // shown in the prompt instead of the command
	Sync             bool
	PostcheckPattern string
}

// ShortcutIntent runs a catalogue shortcut on the targets
type ShortcutIntent struct {
	Targets          []string
	Category         string
	Action           string
	Sync             bool
	PostcheckPattern string
}

// UploadIntent copies a local file to the targets
type UploadIntent struct {
	Targets  []string
	FileName string
	File     io.Reader
	Size     int64
	DestDir  string
	Owner    string
	Group    string
}

// CopyFromVMIntent copies a file from a source VM to the targets
type CopyFromVMIntent struct {
	Targets []string
	Source  client.Source
	DestDir string
	Owner   string
	Group   string
}

// TrackIntent follows an existing job
type TrackIntent struct {
	JobID   string
	Targets []string
}

// Dispatch validates and runs a command
func (c *Controller) Dispatch(ctx context.Context, in DispatchIntent) (dispatch.Result, error) {
	in.Command = strings.TrimSpace(in.Command)

	var verrs errors.ValidationErrors
	validateTargets(&verrs, in.Targets)
	if in.Command == "" {
		verrs.Add(MessageNoCommand)
	}
	if err := c.reject(verrs.ErrorOrNil()); err != nil {
		return dispatch.Result{}, err
	}

	label := in.Label
	if label == "" {
		label = in.Command
	}
	prompt := fmt.Sprintf("Run %q on %d host(s)?", label, len(in.Targets))

	req := client.ExecuteRequest{
		IPs:              in.Targets,
		Command:          in.Command,
		PostcheckPattern: strings.TrimSpace(in.PostcheckPattern),
	}
	if in.Sync {
		req.Mode = "sync"
	}

	return c.run(ctx, in.Targets, prompt, func(emit dispatch.EmitFunc) dispatch.Result {
		return c.machine.Execute(ctx, req, emit)
	})
}

// RunShortcut renders a catalogue shortcut and dispatches it
func (c *Controller) RunShortcut(ctx context.Context, in ShortcutIntent) (dispatch.Result, error) {
	s, err := c.catalog.Lookup(in.Category, in.Action)
	if err != nil {
		return dispatch.Result{}, c.reject(errors.NewValidationError(err.Error()))
	}
	if s.Kind != template.CommandShortcut {
		return dispatch.Result{}, c.reject(errors.NewValidationError(
			fmt.Sprintf("'%s' is a file operation; use the %s command", s.Label(), s.Kind)))
	}

	command, err := c.catalog.Render(s, c.vars)
	if err != nil {
		return dispatch.Result{}, c.reject(errors.NewValidationError(err.Error()))
	}

	c.mu.Lock()
	c.state.Category = s.Category
	c.mu.Unlock()

	return c.Dispatch(ctx, DispatchIntent{
		Targets:          in.Targets,
		Command:          command,
		Label:            s.Label(),
		Sync:             in.Sync,
		PostcheckPattern: in.PostcheckPattern,
	})
}

// Upload validates and runs an upload
func (c *Controller) Upload(ctx context.Context, in UploadIntent) (dispatch.Result, error) {
	var verrs errors.ValidationErrors
	validateTargets(&verrs, in.Targets)
	if in.File == nil || in.FileName == "" {
		verrs.Add(MessageNoFile)
	}
	if err := c.reject(verrs.ErrorOrNil()); err != nil {
		return dispatch.Result{}, err
	}

	req := client.UploadRequest{
		IPs:      in.Targets,
		FileName: in.FileName,
		File:     in.File,
		DestDir:  strings.TrimSpace(in.DestDir),
		Owner:    strings.TrimSpace(in.Owner),
		Group:    strings.TrimSpace(in.Group),
	}

	return c.run(ctx, in.Targets, UploadPrompt(in.FileName, in.Size, len(in.Targets), req.DestDir), func(emit dispatch.EmitFunc) dispatch.Result {
		return c.machine.Upload(ctx, req, emit)
	})
}

// CopyFromVM validates and runs a copy from a source VM
func (c *Controller) CopyFromVM(ctx context.Context, in CopyFromVMIntent) (dispatch.Result, error) {
	src := in.Source
	src.IP = strings.TrimSpace(src.IP)
	src.Username = strings.TrimSpace(src.Username)
	src.Path = strings.TrimSpace(src.Path)
	if src.Port == 0 {
		src.Port = DefaultSourcePort
	}

	var verrs errors.ValidationErrors
	validateTargets(&verrs, in.Targets)
	if !target.IsValidAddress(src.IP) {
		verrs.Add(MessageBadSourceIP)
	}
	if src.Username == "" || src.Password == "" || src.Path == "" {
		verrs.Add(MessageNoSourceCreds)
	}
	if src.Port < 1 || src.Port > 65535 {
		verrs.Add(MessageBadSourcePort)
	}
	if err := c.reject(verrs.ErrorOrNil()); err != nil {
		return dispatch.Result{}, err
	}

	req := client.CopyFromVMRequest{
		IPs:     in.Targets,
		Source:  src,
		DestDir: strings.TrimSpace(in.DestDir),
		Owner:   strings.TrimSpace(in.Owner),
		Group:   strings.TrimSpace(in.Group),
	}
	prompt := fmt.Sprintf("Copy '%s' from %s to %d host(s)?", src.Path, src.IP, len(in.Targets))

	return c.run(ctx, in.Targets, prompt, func(emit dispatch.EmitFunc) dispatch.Result {
		return c.machine.CopyFromVM(ctx, req, emit)
	})
}

// Track follows an existing job without confirmation
func (c *Controller) Track(ctx context.Context, in TrackIntent) (dispatch.Result, error) {
	if strings.TrimSpace(in.JobID) == "" {
		return dispatch.Result{}, c.reject(errors.NewValidationError("Please provide a job id."))
	}
	if len(in.Targets) > 0 {
		var verrs errors.ValidationErrors
		validateTargets(&verrs, in.Targets)
		if err := c.reject(verrs.ErrorOrNil()); err != nil {
			return dispatch.Result{}, err
		}
	}
	return c.run(ctx, in.Targets, "", func(emit dispatch.EmitFunc) dispatch.Result {
		return c.machine.Track(ctx, in.JobID, in.Targets, emit)
	})
}

// UploadPrompt builds the upload confirmation text
func UploadPrompt(fileName string, size int64, hosts int, destDir string) string {
	sizeMB := float64(size) / (1024 * 1024)
	msg := fmt.Sprintf("Upload '%s' (%.1f MB) to %d host(s)", fileName, sizeMB, hosts)
	if destDir != "" {
		msg += fmt.Sprintf(" at %s/%s.", strings.TrimRight(destDir, "/"), fileName)
	} else {
		msg += " at default destination."
	}
	if size > LargeUploadBytes {
		msg += "\n\nWarning: Large file; uploads may take time."
	}
	return msg
}

func validateTargets(verrs *errors.ValidationErrors, targets []string) {
	if len(targets) == 0 {
		verrs.Add(MessageNoTargets)
		return
	}
	if !target.ValidateAll(targets) {
		verrs.Add(target.InvalidMessage(targets))
	}
}

// reject shows a validation failure as an error banner and returns it
func (c *Controller) reject(err error) error {
	if err == nil {
		return nil
	}
	msg := errors.UserMessage(err)
	c.mu.Lock()
	c.state.LastError = msg
	c.mu.Unlock()
	c.presenter.Banner(model.Banner{Kind: model.BannerError, Text: msg})
	return err
}

// run claims the busy flag, asks for confirmation and drives one dispatch
func (c *Controller) run(ctx context.Context, targets []string, prompt string, start func(dispatch.EmitFunc) dispatch.Result) (dispatch.Result, error) {
	c.mu.Lock()
	if c.state.Busy {
		c.mu.Unlock()
		return dispatch.Result{}, ErrBusy
	}
	c.state.Busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state.Busy = false
		c.mu.Unlock()
	}()

	if prompt != "" && c.confirmer != nil {
		ok, err := c.confirmer.Confirm(prompt)
		if err != nil {
			return dispatch.Result{}, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if !ok {
			c.presenter.Banner(model.Banner{Kind: model.BannerInfo, Text: "Cancelled."})
			return dispatch.Result{}, ErrAborted
		}
	}

	c.mu.Lock()
	c.state.Targets = append([]string(nil), targets...)
	c.state.JobID = ""
	c.state.LastError = ""
	c.mu.Unlock()

	c.presenter.Busy(true)
	res := start(c.observe)
	c.presenter.Busy(false)

	return res, nil
}

// observe applies one machine event to the session and the presenter
func (c *Controller) observe(ev dispatch.Event) {
	c.mu.Lock()
	c.state.Generation = ev.Generation
	c.state.Phase = ev.State
	if ev.JobID != "" {
		c.state.JobID = ev.JobID
	}
	if ev.Snapshot != nil && len(ev.Snapshot.Targets) > 0 {
		c.state.Targets = append([]string(nil), ev.Snapshot.Targets...)
	}
	if ev.Err != nil {
		c.state.LastError = errors.UserMessage(ev.Err)
	}
	c.mu.Unlock()

	if rec, ok := c.presenter.(PollRecorder); ok && ev.Poll > 0 {
		if ev.State == dispatch.Failed && errors.TypeOf(ev.Err) != errors.CancelledErrorType {
			rec.RecordPoll(ev.Err)
		} else {
			rec.RecordPoll(nil)
		}
	}

	if ev.State == dispatch.Polling && ev.Poll == 0 && ev.Snapshot != nil {
		c.presenter.Banner(model.Banner{Kind: model.BannerInfo, Text: fmt.Sprintf("Job %s queued.", ev.JobID)})
	}

	if ev.Snapshot != nil {
		if err := c.presenter.Snapshot(*ev.Snapshot); err != nil {
			c.logger.Error("failed to render snapshot", "generation", ev.Generation, "error", err.Error())
		}
	}

	switch ev.State {
	case dispatch.Completed:
		if ev.Snapshot != nil {
			c.presenter.Banner(ev.Snapshot.AggregateBanner())
		}
	case dispatch.Failed:
		c.presenter.Banner(model.Banner{Kind: model.BannerError, Text: errors.UserMessage(ev.Err)})
	}
}
