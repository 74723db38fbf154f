package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isometry/ldap-bulkops/internal/ldap"
	"github.com/isometry/ldap-bulkops/internal/ldif"
)

// RunMode selects what happens to compiled change records.
type RunMode int

const (
	// ModeExecute applies changes to the target servers.
	ModeExecute RunMode = iota

	// ModeGenerate serializes changes to an LDIF change file instead of
	// applying them. The records serialized are the exact records execute
	// mode would apply.
	ModeGenerate
)

func (m RunMode) String() string {
	switch m {
	case ModeExecute:
		return "execute"
	case ModeGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// ParseRunMode converts a mode name from configuration.
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "execute", "":
		return ModeExecute, nil
	case "generate":
		return ModeGenerate, nil
	default:
		return ModeExecute, &ValidationError{Field: "mode", Msg: fmt.Sprintf("unknown mode %q", s)}
	}
}

// maxConsecutiveSourceErrors bounds how many Next failures in a row a
// server run tolerates before treating the source stream itself as
// broken and aborting the server.
const maxConsecutiveSourceErrors = 3

// RunState tracks the lifecycle of one bulk run.
type RunState int

const (
	StateIdle RunState = iota
	StateValidating
	StateExecuting
	StateCompleted
	StateAborted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ServerTarget is one directory server participating in a run.
type ServerTarget struct {
	Name   string
	BaseDN string
	Client ldap.Client
}

// RunOptions tune how changes are applied.
type RunOptions struct {
	Mode RunMode

	// ContinueOnError keeps a server's run going past failed subjects.
	// Off, the first failure aborts the current server; other servers
	// still get their full run.
	ContinueOnError bool

	// PermissiveModify attaches the permissive-modify control to every
	// modify. Servers that do not advertise it abort with an
	// UnsupportedControlError before any change is applied.
	PermissiveModify bool

	// NoOperation attaches the no-operation control to every change, so
	// servers evaluate updates without applying them.
	NoOperation bool
}

// RunSpec describes one bulk run. Template and Source together drive a
// template-expansion run; Records instead carries a pre-parsed change
// sequence (an imported change file), one subject per record. The two
// input shapes are mutually exclusive.
type RunSpec struct {
	Template string
	Source   Source
	Records  []ldif.Record
	Servers  []*ServerTarget
	Options  RunOptions

	// Events optionally receives progress notifications.
	Events EventFunc

	// Done optionally receives the final summary, exactly once.
	Done DoneFunc
}

// MembershipSpec describes one group membership run.
type MembershipSpec struct {
	GroupDN string
	Members []string
	Add     bool

	// UserBaseDN is the subtree user lookups search under. Empty falls
	// back to the target's base DN, then to its first naming context.
	UserBaseDN string

	Servers []*ServerTarget
	Options RunOptions
	Events  EventFunc
	Done    DoneFunc
}

// ServerOutcome is the per-server result of a run.
type ServerOutcome struct {
	Server    string
	Succeeded int
	Failed    int

	// Skipped counts subjects never attempted because the server run
	// aborted early, where the source knew its size up front.
	Skipped int

	// Aborted marks a server whose run stopped before the source was
	// exhausted.
	Aborted bool

	Diagnostics []string

	// Records holds the serialized changes in generate mode.
	Records []ldif.Record
}

// ChangeFile renders this server's records as LDIF change text.
func (o *ServerOutcome) ChangeFile() string {
	return ldif.Marshal(o.Records)
}

// Summary is the final result of a run.
type Summary struct {
	RunID    uuid.UUID
	Mode     RunMode
	State    RunState
	Servers  []ServerOutcome
	Started  time.Time
	Finished time.Time

	// Err is set when the run never reached execution.
	Err error
}

// Succeeded totals successful subjects across servers.
func (s *Summary) Succeeded() int {
	total := 0
	for i := range s.Servers {
		total += s.Servers[i].Succeeded
	}
	return total
}

// Failed totals failed subjects across servers.
func (s *Summary) Failed() int {
	total := 0
	for i := range s.Servers {
		total += s.Servers[i].Failed
	}
	return total
}

// ChangeFile joins every server's generated records into one change
// file. Sections are labeled with a comment when more than one server
// produced records.
func (s *Summary) ChangeFile() string {
	var parts []string
	for i := range s.Servers {
		o := &s.Servers[i]
		if len(o.Records) == 0 {
			continue
		}
		text := o.ChangeFile()
		if len(s.Servers) > 1 {
			text = "# server: " + o.Server + "\n" + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}

// Duration is the wall-clock time the run took.
func (s *Summary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// Executor drives bulk runs. Servers are processed strictly in order,
// and within a server subjects are processed strictly in source order.
type Executor struct {
	log *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log}
}

// Run executes one template-driven bulk run synchronously.
func (e *Executor) Run(ctx context.Context, spec *RunSpec) (*Summary, error) {
	summary := &Summary{
		RunID:   uuid.New(),
		Mode:    spec.Options.Mode,
		State:   StateValidating,
		Started: time.Now(),
	}
	n := newNotifier(spec.Events, spec.Done)

	if err := e.validateRun(spec); err != nil {
		summary.State = StateAborted
		summary.Err = err
		summary.Finished = time.Now()
		n.complete(summary)
		return summary, err
	}

	summary.State = StateExecuting
	n.emit(Event{Type: EventRunStarted, RunID: summary.RunID})
	e.log.Info("bulk run started",
		zap.String("run_id", summary.RunID.String()),
		zap.String("mode", spec.Options.Mode.String()),
		zap.String("source", spec.Source.Kind()),
		zap.Int("servers", len(spec.Servers)))

	neg := NewNegotiator()
	for _, target := range e.targets(spec.Servers, spec.Options.Mode) {
		outcome := e.runServer(ctx, target, spec, neg, summary.RunID, n)
		summary.Servers = append(summary.Servers, outcome)
	}

	e.finish(summary, n)
	return summary, nil
}

// Start runs asynchronously; the summary is delivered through
// spec.Done (and to done, when given).
func (e *Executor) Start(ctx context.Context, spec *RunSpec, done DoneFunc) {
	if done != nil {
		prev := spec.Done
		spec.Done = func(s *Summary) {
			if prev != nil {
				prev(s)
			}
			done(s)
		}
	}
	go func() {
		_, _ = e.Run(ctx, spec)
	}()
}

func (e *Executor) validateRun(spec *RunSpec) error {
	if len(spec.Records) > 0 {
		if spec.Template != "" || spec.Source != nil {
			return &ValidationError{Field: "records", Msg: "a record sequence cannot be combined with a template or source"}
		}
	} else {
		if strings.TrimSpace(spec.Template) == "" {
			return &ValidationError{Field: "template", Msg: "template is empty"}
		}
		if spec.Source == nil {
			return &ValidationError{Field: "source", Msg: "no entry source configured"}
		}
		if err := spec.Source.Validate(); err != nil {
			return err
		}
	}
	if spec.Options.Mode == ModeExecute && len(spec.Servers) == 0 {
		return &ValidationError{Field: "servers", Msg: "execute mode requires at least one server"}
	}
	return nil
}

// targets returns the server list, substituting a local pseudo-target
// when generating without servers.
func (e *Executor) targets(servers []*ServerTarget, mode RunMode) []*ServerTarget {
	if mode == ModeGenerate && len(servers) == 0 {
		return []*ServerTarget{{Name: "local"}}
	}
	return servers
}

// serverControls holds the negotiated control OIDs for one server,
// split by the operations they attach to.
type serverControls struct {
	all    []string // attached to every operation
	modify []string // attached to modify operations only
}

func (c *serverControls) forType(t ldif.ChangeType) []string {
	if t != ldif.ChangeModify || len(c.modify) == 0 {
		return c.all
	}
	out := make([]string, 0, len(c.all)+len(c.modify))
	out = append(out, c.all...)
	out = append(out, c.modify...)
	return out
}

// negotiateControls verifies every requested control against the
// server before any change is applied.
func (e *Executor) negotiateControls(ctx context.Context, neg *Negotiator, target *ServerTarget, opts RunOptions) (*serverControls, error) {
	sc := &serverControls{}
	if opts.Mode == ModeGenerate {
		return sc, nil
	}
	if opts.PermissiveModify {
		if err := neg.Require(ctx, target, ControlPermissiveModify); err != nil {
			return nil, err
		}
		sc.modify = append(sc.modify, ControlPermissiveModify)
	}
	if opts.NoOperation {
		if err := neg.Require(ctx, target, ControlNoOperation); err != nil {
			return nil, err
		}
		sc.all = append(sc.all, ControlNoOperation)
	}
	return sc, nil
}

func (e *Executor) runServer(ctx context.Context, target *ServerTarget, spec *RunSpec, neg *Negotiator, runID uuid.UUID, n *notifier) ServerOutcome {
	outcome := ServerOutcome{Server: target.Name}
	n.emit(Event{Type: EventServerStarted, RunID: runID, Server: target.Name})

	abort := func(stage string, err error) {
		outcome.Aborted = true
		outcome.Diagnostics = append(outcome.Diagnostics, stage+": "+err.Error())
		e.log.Error("server run aborted",
			zap.String("server", target.Name),
			zap.String("stage", stage),
			zap.Error(err))
	}

	controls, err := e.negotiateControls(ctx, neg, target, spec.Options)
	if err != nil {
		abort("control negotiation", err)
		return outcome
	}

	if len(spec.Records) > 0 {
		e.runRecords(ctx, target, spec, controls, runID, n, &outcome, abort)
		n.emit(Event{Type: EventServerCompleted, RunID: runID, Server: target.Name})
		e.log.Info("server run finished",
			zap.String("server", target.Name),
			zap.Int("succeeded", outcome.Succeeded),
			zap.Int("failed", outcome.Failed),
			zap.Bool("aborted", outcome.Aborted))
		return outcome
	}

	if err := spec.Source.Restart(); err != nil {
		abort("source restart", err)
		return outcome
	}

	subject := 0
	sourceErrs := 0
	for {
		if err := ctx.Err(); err != nil {
			abort("canceled", err)
			break
		}

		bindings, err := spec.Source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		subject++

		// A bad row is a per-subject failure, but a source that keeps
		// failing is not advancing: a sticky stream error would loop
		// forever under continue-on-error.
		if err != nil {
			sourceErrs++
			if sourceErrs >= maxConsecutiveSourceErrors {
				abort("source", err)
				if total := spec.Source.Count(); total > subject {
					outcome.Skipped = total - subject
				}
				break
			}
		} else {
			sourceErrs = 0
		}

		var subjErr error
		var dn string
		if err != nil {
			subjErr = err
		} else {
			expanded := ExpandSubject(spec.Template, bindings)
			changes, cerr := Compile(expanded, subject)
			if cerr != nil {
				subjErr = cerr
			} else {
				dn = changes[0].Record.DN
				for _, ch := range changes {
					if spec.Options.Mode == ModeGenerate {
						outcome.Records = append(outcome.Records, ch.Record)
						continue
					}
					if aerr := e.apply(ctx, target, ch.Record, controls); aerr != nil {
						subjErr = aerr
						break
					}
				}
			}
		}

		if subjErr != nil {
			outcome.Failed++
			outcome.Diagnostics = append(outcome.Diagnostics,
				fmt.Sprintf("subject %d: %s", subject, subjErr))
			n.emit(Event{Type: EventSubjectFailed, RunID: runID, Server: target.Name, Subject: subject, DN: dn, Err: subjErr})
			if !spec.Options.ContinueOnError {
				outcome.Aborted = true
				if total := spec.Source.Count(); total > subject {
					outcome.Skipped = total - subject
				}
				break
			}
			continue
		}

		outcome.Succeeded++
		n.emit(Event{Type: EventSubjectApplied, RunID: runID, Server: target.Name, Subject: subject, DN: dn})
	}

	n.emit(Event{Type: EventServerCompleted, RunID: runID, Server: target.Name})
	e.log.Info("server run finished",
		zap.String("server", target.Name),
		zap.Int("succeeded", outcome.Succeeded),
		zap.Int("failed", outcome.Failed),
		zap.Bool("aborted", outcome.Aborted))
	return outcome
}

// runRecords drives a pre-parsed change sequence through the same
// per-subject accounting as a template run, one subject per record.
func (e *Executor) runRecords(ctx context.Context, target *ServerTarget, spec *RunSpec, controls *serverControls, runID uuid.UUID, n *notifier, outcome *ServerOutcome, abort func(string, error)) {
	for i, rec := range spec.Records {
		if err := ctx.Err(); err != nil {
			abort("canceled", err)
			return
		}
		subject := i + 1

		var subjErr error
		if spec.Options.Mode == ModeGenerate {
			outcome.Records = append(outcome.Records, rec)
		} else {
			subjErr = e.apply(ctx, target, rec, controls)
		}

		if subjErr != nil {
			outcome.Failed++
			outcome.Diagnostics = append(outcome.Diagnostics,
				fmt.Sprintf("subject %d: %s", subject, subjErr))
			n.emit(Event{Type: EventSubjectFailed, RunID: runID, Server: target.Name, Subject: subject, DN: rec.DN, Err: subjErr})
			if !spec.Options.ContinueOnError {
				outcome.Aborted = true
				outcome.Skipped = len(spec.Records) - subject
				return
			}
			continue
		}

		outcome.Succeeded++
		n.emit(Event{Type: EventSubjectApplied, RunID: runID, Server: target.Name, Subject: subject, DN: rec.DN})
	}
}

// apply sends one change record to the server.
func (e *Executor) apply(ctx context.Context, target *ServerTarget, rec ldif.Record, controls *serverControls) error {
	var err error
	switch rec.Type {
	case ldif.ChangeAdd:
		err = target.Client.Add(ctx, addRequest(rec, controls.forType(ldif.ChangeAdd)))
	case ldif.ChangeModify:
		err = target.Client.Modify(ctx, modifyRequest(rec, controls.forType(ldif.ChangeModify)))
	case ldif.ChangeDelete:
		err = target.Client.Delete(ctx, &ldap.DeleteRequest{DN: rec.DN, Controls: controls.forType(ldif.ChangeDelete)})
	default:
		return &TemplateError{Msg: fmt.Sprintf("unsupported change type %q", rec.Type)}
	}
	if err != nil {
		return &ProtocolError{Server: target.Name, Cause: err}
	}
	return nil
}

// RunMembership executes one group membership run synchronously.
func (e *Executor) RunMembership(ctx context.Context, spec *MembershipSpec) (*Summary, error) {
	summary := &Summary{
		RunID:   uuid.New(),
		Mode:    spec.Options.Mode,
		State:   StateValidating,
		Started: time.Now(),
	}
	n := newNotifier(spec.Events, spec.Done)

	if err := e.validateMembership(spec); err != nil {
		summary.State = StateAborted
		summary.Err = err
		summary.Finished = time.Now()
		n.complete(summary)
		return summary, err
	}

	summary.State = StateExecuting
	n.emit(Event{Type: EventRunStarted, RunID: summary.RunID})
	e.log.Info("membership run started",
		zap.String("run_id", summary.RunID.String()),
		zap.String("group", spec.GroupDN),
		zap.Bool("add", spec.Add),
		zap.Int("members", len(spec.Members)),
		zap.Int("servers", len(spec.Servers)))

	neg := NewNegotiator()
	for _, target := range spec.Servers {
		outcome := e.runMembershipServer(ctx, target, spec, neg, summary.RunID, n)
		summary.Servers = append(summary.Servers, outcome)
	}

	e.finish(summary, n)
	return summary, nil
}

// StartMembership runs a membership run asynchronously.
func (e *Executor) StartMembership(ctx context.Context, spec *MembershipSpec, done DoneFunc) {
	if done != nil {
		prev := spec.Done
		spec.Done = func(s *Summary) {
			if prev != nil {
				prev(s)
			}
			done(s)
		}
	}
	go func() {
		_, _ = e.RunMembership(ctx, spec)
	}()
}

func (e *Executor) validateMembership(spec *MembershipSpec) error {
	if strings.TrimSpace(spec.GroupDN) == "" {
		return &ValidationError{Field: "group", Msg: "group DN is empty"}
	}
	if len(spec.Members) == 0 {
		return &ValidationError{Field: "members", Msg: "no member identifiers given"}
	}
	// Membership runs always need a live server: group classification
	// and member validation read the directory even when generating.
	if len(spec.Servers) == 0 {
		return &ValidationError{Field: "servers", Msg: "membership runs require at least one server"}
	}
	return nil
}

func (e *Executor) runMembershipServer(ctx context.Context, target *ServerTarget, spec *MembershipSpec, neg *Negotiator, runID uuid.UUID, n *notifier) ServerOutcome {
	outcome := ServerOutcome{Server: target.Name}
	n.emit(Event{Type: EventServerStarted, RunID: runID, Server: target.Name})

	abort := func(stage string, err error) {
		outcome.Aborted = true
		outcome.Diagnostics = append(outcome.Diagnostics, stage+": "+err.Error())
		e.log.Error("membership server run aborted",
			zap.String("server", target.Name),
			zap.String("stage", stage),
			zap.Error(err))
	}

	entry, err := target.Client.ReadEntry(ctx, spec.GroupDN, []string{"objectClass", "memberURL"})
	if err != nil {
		abort("group lookup", &ProtocolError{Server: target.Name, Cause: err})
		return outcome
	}

	group, err := Classify(entry)
	if err != nil {
		abort("group classification", err)
		return outcome
	}

	strategy, err := StrategyFor(group, entry.GetAttributeValues("memberURL"))
	if err != nil {
		abort("strategy selection", err)
		return outcome
	}

	base, err := e.userBase(ctx, target, spec.UserBaseDN)
	if err != nil {
		abort("base DN discovery", err)
		return outcome
	}

	validator := NewMemberValidator(target.Client, base, e.log)
	candidates, verrs := validator.Validate(ctx, spec.Members, spec.Options.ContinueOnError)
	for _, verr := range verrs {
		outcome.Failed++
		outcome.Diagnostics = append(outcome.Diagnostics, "validation: "+verr.Error())
	}
	if len(verrs) > 0 && !spec.Options.ContinueOnError {
		outcome.Aborted = true
		return outcome
	}
	if len(candidates) == 0 {
		return outcome
	}

	controls, err := e.negotiateControls(ctx, neg, target, spec.Options)
	if err != nil {
		abort("control negotiation", err)
		return outcome
	}

	// Static member edits are naturally idempotent under permissive
	// modify; attach it opportunistically when the server offers it.
	if spec.Options.Mode == ModeExecute &&
		strategy.GroupType() != GroupTypeDynamic && !spec.Options.PermissiveModify {
		if ok, serr := neg.Supports(ctx, target, ControlPermissiveModify); serr == nil && ok {
			controls.modify = append(controls.modify, ControlPermissiveModify)
		}
	}

	for subject, batch := range groupByCandidate(strategy.Plan(candidates, spec.Add)) {
		if err := ctx.Err(); err != nil {
			abort("canceled", err)
			break
		}

		candidate := batch[0].Candidate
		var subjErr error
		for _, pc := range batch {
			if spec.Options.Mode == ModeGenerate {
				outcome.Records = append(outcome.Records, pc.Record)
				continue
			}
			aerr := e.apply(ctx, target, pc.Record, controls)
			if aerr != nil && pc.SoftConflicts && isSoftConflict(aerr) {
				e.log.Debug("membership change already in desired state",
					zap.String("server", target.Name),
					zap.String("dn", pc.Record.DN))
				aerr = nil
			}
			if aerr != nil {
				subjErr = aerr
				break
			}
		}

		if subjErr != nil {
			outcome.Failed++
			outcome.Diagnostics = append(outcome.Diagnostics,
				fmt.Sprintf("member %s: %s", candidate.UID, subjErr))
			n.emit(Event{Type: EventSubjectFailed, RunID: runID, Server: target.Name, Subject: subject + 1, DN: candidate.DN, Err: subjErr})
			if !spec.Options.ContinueOnError {
				outcome.Aborted = true
				break
			}
			continue
		}

		outcome.Succeeded++
		n.emit(Event{Type: EventSubjectApplied, RunID: runID, Server: target.Name, Subject: subject + 1, DN: candidate.DN})
	}

	n.emit(Event{Type: EventServerCompleted, RunID: runID, Server: target.Name})
	return outcome
}

// userBase resolves the subtree user lookups search under.
func (e *Executor) userBase(ctx context.Context, target *ServerTarget, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if target.BaseDN != "" {
		return target.BaseDN, nil
	}
	contexts, err := target.Client.NamingContexts(ctx)
	if err != nil {
		return "", &ProtocolError{Server: target.Name, Cause: err}
	}
	if len(contexts) == 0 {
		return "", &ValidationError{Field: "base", Msg: "server advertises no naming contexts and no base DN was configured"}
	}
	return contexts[0], nil
}

// isSoftConflict reports whether a failed change only said the entry is
// already in the desired state.
func isSoftConflict(err error) bool {
	return ldap.IsAttributeExists(err) || ldap.IsNoSuchAttribute(err)
}

// groupByCandidate splits a plan into per-candidate runs, preserving
// order. Plans list each candidate's changes contiguously.
func groupByCandidate(planned []PlannedChange) [][]PlannedChange {
	var groups [][]PlannedChange
	var last string
	for _, pc := range planned {
		key := pc.Candidate.DN + "\x00" + pc.Candidate.UID
		if len(groups) == 0 || key != last {
			groups = append(groups, nil)
			last = key
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], pc)
	}
	return groups
}

func (e *Executor) finish(summary *Summary, n *notifier) {
	summary.State = StateCompleted
	for i := range summary.Servers {
		if summary.Servers[i].Aborted {
			summary.State = StateAborted
			break
		}
	}
	summary.Finished = time.Now()
	e.log.Info("run finished",
		zap.String("run_id", summary.RunID.String()),
		zap.String("state", summary.State.String()),
		zap.Int("succeeded", summary.Succeeded()),
		zap.Int("failed", summary.Failed()))
	n.complete(summary)
}
