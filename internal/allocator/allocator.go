// Package allocator obtains the remote survey a participant answers for one
// occurrence, creating or enrolling it at most once.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/foxzi/surveyor/internal/ledger"
	"github.com/foxzi/surveyor/internal/limesurvey"
	"github.com/foxzi/surveyor/internal/repository"
)

// ErrAllocationSkip marks an occurrence that cannot get a survey. The run continues.
var ErrAllocationSkip = errors.New("allocation skipped")

// SurveyAPI is the part of the survey tool used for allocation.
type SurveyAPI interface {
	GetSurveyProperties(ctx context.Context, surveyID int, names ...string) (limesurvey.Properties, error)
	CopySurvey(ctx context.Context, surveyID int, name string) (int, error)
	ActivateSurvey(ctx context.Context, surveyID int) error
	ActivateTokens(ctx context.Context, surveyID int) error
	AddParticipantAsToken(ctx context.Context, surveyID int, token string) error
}

// Request identifies one occurrence.
type Request struct {
	ShortPseudonym string
	SurveyType     string
	Position       int
	TemplateID     int
	CopySurvey     bool
	IsReport       bool
	// Column is the repository column holding the survey-id ledger.
	Column string
}

// Allocator ensures survey ids for occurrences.
type Allocator struct {
	api    SurveyAPI
	writer repository.Writer
	dryRun bool
	logger *slog.Logger
}

// New creates an allocator. In dry-run mode nothing remote is touched and nothing is persisted.
func New(api SurveyAPI, writer repository.Writer, dryRun bool, logger *slog.Logger) *Allocator {
	return &Allocator{api: api, writer: writer, dryRun: dryRun, logger: logger}
}

// EnsureSurvey returns the survey id at the request position along with the
// ledger to use from now on. A new allocation is persisted before returning.
// The returned ledger is valid even when err is non-nil.
func (a *Allocator) EnsureSurvey(ctx context.Context, req Request, ids ledger.SurveyIDs) (int, ledger.SurveyIDs, error) {
	if id, ok := ids.At(req.SurveyType, req.Position); ok {
		if req.CopySurvey && !req.IsReport && !a.dryRun {
			if err := a.resumeCopy(ctx, id, req.ShortPseudonym); err != nil {
				return 0, ids, err
			}
		}
		return id, ids, nil
	}

	var (
		id  int
		err error
	)
	switch {
	case a.dryRun:
		id = req.Position + 1
	case req.IsReport:
		id = req.TemplateID
	case req.CopySurvey:
		return a.copySurvey(ctx, req, ids)
	default:
		id, err = a.useTemplate(ctx, req)
	}
	if err != nil {
		return 0, ids, err
	}

	next, err := a.record(ctx, req, ids, id)
	if err != nil {
		return 0, ids, err
	}
	return id, next, nil
}

// record adds id to the ledger and persists it unless in dry-run mode.
func (a *Allocator) record(ctx context.Context, req Request, ids ledger.SurveyIDs, id int) (ledger.SurveyIDs, error) {
	next, err := ids.Set(req.SurveyType, req.Position, id)
	if err != nil {
		return ids, err
	}
	if a.dryRun {
		a.logger.Debug("dry run: survey id not persisted",
			"short_pseudonym", req.ShortPseudonym, "survey_type", req.SurveyType, "survey_id", id)
		return next, nil
	}

	data, err := next.Marshal()
	if err != nil {
		return ids, err
	}
	if err := a.writer.Write(ctx, req.ShortPseudonym, req.Column, data, ".json"); err != nil {
		return ids, fmt.Errorf("failed to persist survey ids: %w", err)
	}

	a.logger.Info("allocated survey",
		"short_pseudonym", req.ShortPseudonym,
		"survey_type", req.SurveyType,
		"position", req.Position,
		"survey_id", id)
	return next, nil
}

// copySurvey records the copy before setting it up, so a failed setup is
// resumed on the next run instead of producing another copy. On a setup
// error the returned ledger already holds the copy.
func (a *Allocator) copySurvey(ctx context.Context, req Request, ids ledger.SurveyIDs) (int, ledger.SurveyIDs, error) {
	name := SurveyName(req.SurveyType, req.ShortPseudonym, req.Position)
	id, err := a.api.CopySurvey(ctx, req.TemplateID, name)
	if err != nil {
		return 0, ids, fmt.Errorf("failed to copy survey %d: %w", req.TemplateID, err)
	}
	next, err := a.record(ctx, req, ids, id)
	if err != nil {
		return 0, ids, err
	}
	if err := a.setUpCopy(ctx, id, req.ShortPseudonym); err != nil {
		return 0, next, err
	}
	return id, next, nil
}

// resumeCopy finishes the setup of a recorded copy that never got activated.
// Activation is the last setup step.
func (a *Allocator) resumeCopy(ctx context.Context, id int, token string) error {
	props, err := a.api.GetSurveyProperties(ctx, id, "active")
	if err != nil {
		return fmt.Errorf("failed to get properties of survey %d: %w", id, err)
	}
	if props.Active() {
		return nil
	}
	a.logger.Warn("copied survey is not active, resuming setup", "survey_id", id)
	return a.setUpCopy(ctx, id, token)
}

func (a *Allocator) setUpCopy(ctx context.Context, id int, token string) error {
	// A resumed setup finds the table from the earlier attempt.
	if err := a.api.ActivateTokens(ctx, id); err != nil {
		if !isRemoteRejection(err) {
			return fmt.Errorf("failed to activate participant table of survey %d: %w", id, err)
		}
		a.logger.Debug("participant table not activated", "survey_id", id, "error", err)
	}
	if err := a.enroll(ctx, id, token); err != nil {
		return err
	}
	if err := a.api.ActivateSurvey(ctx, id); err != nil {
		return fmt.Errorf("failed to activate survey %d: %w", id, err)
	}
	return nil
}

func (a *Allocator) useTemplate(ctx context.Context, req Request) (int, error) {
	id := req.TemplateID

	props, err := a.api.GetSurveyProperties(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get properties of survey %d: %w", id, err)
	}

	// The table usually exists already; the survey tool reports that as a failure.
	if err := a.api.ActivateTokens(ctx, id); err != nil {
		if !isRemoteRejection(err) {
			return 0, err
		}
		a.logger.Debug("participant table not activated", "survey_id", id, "error", err)
	}

	if props.Anonymized() {
		return 0, fmt.Errorf("%w: survey %d is anonymized and has no participant table", ErrAllocationSkip, id)
	}

	if !props.Active() {
		a.logger.Warn("survey is not active, activating", "survey_id", id)
		if err := a.api.ActivateSurvey(ctx, id); err != nil {
			if isRemoteRejection(err) {
				return 0, fmt.Errorf("%w: survey %d is inactive and cannot be activated: %v", ErrAllocationSkip, id, err)
			}
			return 0, err
		}
	}

	if err := a.enroll(ctx, id, req.ShortPseudonym); err != nil {
		return 0, err
	}
	return id, nil
}

func (a *Allocator) enroll(ctx context.Context, surveyID int, token string) error {
	err := a.api.AddParticipantAsToken(ctx, surveyID, token)
	if errors.Is(err, limesurvey.ErrTokenExists) {
		a.logger.Debug("participant already enrolled", "survey_id", surveyID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enroll participant in survey %d: %w", surveyID, err)
	}
	return nil
}

func isRemoteRejection(err error) bool {
	var fault *limesurvey.Fault
	var status *limesurvey.StatusError
	return errors.As(err, &fault) || errors.As(err, &status)
}

// SurveyName names a copied survey after its type, position and participant.
func SurveyName(surveyType, shortPseudonym string, position int) string {
	title := capitalize(surveyType)
	if position == 0 {
		return fmt.Sprintf("%s - %s", title, shortPseudonym)
	}
	return fmt.Sprintf("%s %d - %s", title, position+1, shortPseudonym)
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
