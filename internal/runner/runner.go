// Package runner drives campaign runs: for every participant and occurrence it
// gates on conditions, allocates a survey, decides whether to send and
// records what was sent.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/surveyor/internal/allocator"
	"github.com/foxzi/surveyor/internal/campaign"
	"github.com/foxzi/surveyor/internal/condition"
	"github.com/foxzi/surveyor/internal/decision"
	"github.com/foxzi/surveyor/internal/ledger"
	"github.com/foxzi/surveyor/internal/limesurvey"
	"github.com/foxzi/surveyor/internal/mailer"
	"github.com/foxzi/surveyor/internal/repository"
	"github.com/foxzi/surveyor/internal/schedule"
)

// Options configures a Runner.
type Options struct {
	Repository repository.Client
	Surveys    allocator.SurveyAPI
	Transport  mailer.Transport
	From       string
	ReplyTo    string
	// Cooldown is waited after every transmitted message.
	Cooldown time.Duration
	// DryRun transmits through Transport but persists nothing and skips the cool-down.
	DryRun   bool
	Observer Observer
	Logger   *slog.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner processes campaigns sequentially.
type Runner struct {
	repo      repository.Client
	alloc     *allocator.Allocator
	eval      *condition.Evaluator
	transport mailer.Transport
	from      string
	replyTo   string
	cooldown  time.Duration
	dryRun    bool
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a runner
func New(opts Options) *Runner {
	r := &Runner{
		repo:      opts.Repository,
		alloc:     allocator.New(opts.Surveys, opts.Repository, opts.DryRun, opts.Logger.With("component", "allocator")),
		eval:      condition.NewEvaluator(opts.Repository),
		transport: opts.Transport,
		from:      opts.From,
		replyTo:   opts.ReplyTo,
		cooldown:  opts.Cooldown,
		dryRun:    opts.DryRun,
		observer:  opts.Observer,
		logger:    opts.Logger,
		now:       opts.Now,
		sleep:     opts.Sleep,
	}
	if r.observer == nil {
		r.observer = Observers(nil)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// RunAll runs every enabled campaign in name order. A non-empty only selects
// a single campaign. All selected campaigns are validated before any runs.
func (r *Runner) RunAll(ctx context.Context, campaigns map[string]*campaign.Config, only string) (Summary, error) {
	var names []string
	if only != "" {
		cfg, ok := campaigns[only]
		if !ok {
			return Summary{}, fmt.Errorf("unknown survey type: %s", only)
		}
		if !cfg.Enabled {
			return Summary{}, fmt.Errorf("survey type %s is not enabled", only)
		}
		names = []string{only}
	} else {
		for name, cfg := range campaigns {
			if cfg.Enabled {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	for _, name := range names {
		if err := campaigns[name].Validate(name); err != nil {
			return Summary{}, err
		}
	}

	runID := uuid.New().String()
	logger := r.logger.With("run_id", runID)
	logger.Info("starting run", "survey_types", names, "dry_run", r.dryRun)

	var total Summary
	for _, name := range names {
		s, err := r.Run(ctx, name, campaigns[name])
		total.Add(s)
		if err != nil {
			return total, err
		}
	}

	logger.Info("run finished",
		"survey_types", total.SurveyTypes,
		"participants", total.Participants,
		"skipped", total.Skipped,
		"processed", total.Processed(),
		"emailed", total.Emailed,
		"sent", total.Sent,
		"reminders", total.Reminders,
	)
	return total, nil
}

// Run processes one campaign. Errors returned abort the run; everything that
// affects a single participant or occurrence is reported as an Outcome instead.
func (r *Runner) Run(ctx context.Context, surveyType string, cfg *campaign.Config) (Summary, error) {
	summary := Summary{SurveyTypes: []string{surveyType}}

	if err := cfg.Validate(surveyType); err != nil {
		return summary, err
	}
	composer, err := mailer.NewComposer(surveyType, cfg, r.from, r.replyTo)
	if err != nil {
		return summary, fmt.Errorf("campaigns.%s: %w", surveyType, err)
	}

	participants, err := r.repo.Read(ctx, cfg.ShortPseudonymColumn, readColumns(cfg))
	if err != nil {
		return summary, fmt.Errorf("failed to read participants: %w", err)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ShortPseudonym < participants[j].ShortPseudonym
	})
	summary.Participants = len(participants)

	logger := r.logger.With("survey_type", surveyType)
	logger.Info("processing campaign", "participants", len(participants))

	c := &campaignRun{
		Runner:     r,
		surveyType: surveyType,
		cfg:        cfg,
		composer:   composer,
		templates:  cfg.TemplateIDs(),
		summary:    &summary,
		logger:     logger,
	}
	for i, p := range participants {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		logger.Debug("processing participant",
			"short_pseudonym", p.ShortPseudonym,
			"index", i+1,
			"total", len(participants))
		if err := c.participant(ctx, p); err != nil {
			return summary, err
		}
	}

	logger.Info("campaign summary",
		"participants", summary.Participants,
		"skipped", summary.Skipped,
		"processed", summary.Processed(),
		"emailed", summary.Emailed,
	)
	return summary, nil
}

// readColumns lists every column a run needs, without duplicates.
func readColumns(cfg *campaign.Config) []string {
	cols := []string{cfg.EmailColumn, cfg.HistoryColumn, cfg.SurveyIDsColumn}
	if cfg.NameColumn != "" {
		cols = append(cols, cfg.NameColumn)
	}
	cols = append(cols, condition.ValueColumns(cfg.Conditions, len(cfg.TemplateIDs()))...)

	seen := make(map[string]bool, len(cols))
	out := cols[:0]
	for _, c := range cols {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

type campaignRun struct {
	*Runner
	surveyType string
	cfg        *campaign.Config
	composer   *mailer.Composer
	templates  []int
	summary    *Summary
	logger     *slog.Logger
}

func (c *campaignRun) emit(o Outcome) {
	o.SurveyType = c.surveyType
	switch {
	case o.Position == NoPosition && o.Kind == Skipped:
		c.summary.Skipped++
	case o.Kind == Skipped:
		c.summary.OccurrencesSkipped++
	case o.Kind == Failed:
		c.summary.OccurrencesFailed++
	case o.Kind == Sent:
		c.summary.Sent++
		if o.Reminder {
			c.summary.Reminders++
		}
	}
	c.observer.Observe(o)
}

func (c *campaignRun) skipParticipant(sp, reason string, err error) {
	c.emit(Outcome{ShortPseudonym: sp, Position: NoPosition, Kind: Skipped, Reason: reason, Err: err})
}

// participant processes every occurrence of one participant.
func (c *campaignRun) participant(ctx context.Context, p repository.Participant) error {
	sp := p.ShortPseudonym
	email := p.Columns[c.cfg.EmailColumn]
	if email == "" {
		c.skipParticipant(sp, "Missing email", nil)
		return nil
	}

	history, err := ledger.ParseHistory(p.Columns[c.cfg.HistoryColumn])
	if err != nil {
		c.skipParticipant(sp, "Failed to load emails sent data", err)
		return nil
	}
	ids, err := ledger.ParseSurveyIDs(p.Columns[c.cfg.SurveyIDsColumn])
	if err != nil {
		c.skipParticipant(sp, "Failed to load survey IDs data", err)
		return nil
	}

	st := &participantState{
		Participant: p,
		email:       email,
		name:        p.Columns[c.cfg.NameColumn],
		history:     history,
		ids:         ids,
	}

	emailed := false
	for position, templateID := range c.templates {
		sent, err := c.occurrence(ctx, st, position, templateID)
		if err != nil {
			var format *ledger.FormatError
			if errors.As(err, &format) {
				c.skipParticipant(sp, "Failed to read emails sent data", err)
				return nil
			}
			return err
		}
		emailed = emailed || sent
	}
	if emailed {
		c.summary.Emailed++
	}
	return nil
}

type participantState struct {
	repository.Participant
	email   string
	name    string
	history *ledger.History
	ids     ledger.SurveyIDs
}

// occurrence runs one position. It reports whether a message went out.
// Returned errors abort the run, except *ledger.FormatError which skips the participant.
func (c *campaignRun) occurrence(ctx context.Context, st *participantState, position, templateID int) (bool, error) {
	sp := st.ShortPseudonym
	outcome := Outcome{ShortPseudonym: sp, Position: position}
	skip := func(reason string, err error) (bool, error) {
		outcome.Kind = Skipped
		outcome.Reason = reason
		outcome.Err = err
		c.emit(outcome)
		return false, nil
	}
	fail := func(reason string, err error) (bool, error) {
		outcome.Kind = Failed
		outcome.Reason = reason
		outcome.Err = err
		c.emit(outcome)
		return false, nil
	}

	res, err := c.eval.Evaluate(ctx, c.cfg.Conditions, st.Columns, sp, position)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate conditions for %s: %w", sp, err)
	}
	if !res.Allowed {
		return skip(res.Reason, nil)
	}

	surveyID, ids, err := c.alloc.EnsureSurvey(ctx, allocator.Request{
		ShortPseudonym: sp,
		SurveyType:     c.surveyType,
		Position:       position,
		TemplateID:     templateID,
		CopySurvey:     c.cfg.CopySurvey,
		IsReport:       c.cfg.IsReportType,
		Column:         c.cfg.SurveyIDsColumn,
	}, st.ids)
	st.ids = ids
	if err != nil {
		var status *limesurvey.StatusError
		switch {
		case errors.Is(err, allocator.ErrAllocationSkip):
			return skip("Cannot create survey", err)
		case errors.As(err, &status):
			return fail("Cannot create survey", err)
		}
		return false, fmt.Errorf("allocation for %s position %d: %w", sp, position, err)
	}
	outcome.SurveyID = surveyID

	start, err := schedule.EffectiveStart(c.cfg.Policy(), position, c.now())
	if err != nil {
		if errors.Is(err, schedule.ErrNoDateForPosition) {
			return skip(fmt.Sprintf("No start date available for position %d", position), nil)
		}
		return fail("Invalid start date", err)
	}

	sends, err := st.history.Sends(c.surveyType, surveyID)
	if err != nil {
		return false, err
	}
	d, err := decision.Decide(decision.Input{
		Now:                  c.now(),
		EffectiveStart:       start,
		Sends:                sends,
		MaxReminders:         c.cfg.Reminders(),
		DaysBetweenReminders: c.cfg.ReminderGapDays(),
	})
	if err != nil {
		return fail("Unexpected send state", err)
	}
	if !d.Send() {
		return skip(d.Reason, nil)
	}
	outcome.Reminder = d.IsReminder()

	msg, err := c.composer.Compose(mailer.Invitation{
		Email:          st.email,
		RecipientName:  st.name,
		ShortPseudonym: sp,
		SurveyID:       surveyID,
		Position:       position,
		Reminder:       d.IsReminder(),
	})
	if err != nil {
		return fail("Cannot compose message", err)
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return fail("Transmission failed", err)
	}

	if err := c.record(ctx, st, surveyID); err != nil {
		c.logger.Log(ctx, LevelCritical, err.Error(),
			"short_pseudonym", sp,
			"survey_id", surveyID)
		outcome.Kind = Failed
		outcome.Reason = "History not saved"
		outcome.Err = err
		c.emit(outcome)
		return true, err
	}

	outcome.Kind = Sent
	c.emit(outcome)

	if !c.dryRun && c.cooldown > 0 {
		c.logger.Debug("cooling down", "duration", c.cooldown)
		if err := c.sleep(ctx, c.cooldown); err != nil {
			return true, err
		}
	}
	return true, nil
}

// record appends the send to the history and persists it. Failures are
// always *CriticalLedgerError since the message has already gone out.
func (c *campaignRun) record(ctx context.Context, st *participantState, surveyID int) error {
	critical := func(err error) error {
		return &CriticalLedgerError{
			ShortPseudonym: st.ShortPseudonym,
			SurveyType:     c.surveyType,
			SurveyID:       surveyID,
			Err:            err,
		}
	}

	next, err := st.history.Record(st.email, c.surveyType, surveyID, c.now())
	if err != nil {
		return critical(err)
	}
	data, err := next.Marshal()
	if err != nil {
		return critical(err)
	}

	if c.dryRun {
		c.logger.Debug("dry run: history not saved",
			"short_pseudonym", st.ShortPseudonym,
			"history", string(data))
	} else if err := c.repo.Write(ctx, st.ShortPseudonym, c.cfg.HistoryColumn, data, ".json"); err != nil {
		return critical(err)
	}

	st.history = next
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
