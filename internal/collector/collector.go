// Package collector copies survey responses of participants back into the
// repository.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/foxzi/surveyor/internal/condition"
	"github.com/foxzi/surveyor/internal/ledger"
	"github.com/foxzi/surveyor/internal/limesurvey"
	"github.com/foxzi/surveyor/internal/repository"
	"github.com/foxzi/surveyor/internal/schedule"
)

// Upload kinds reported to the observer.
const (
	KindResponse = "response"
	KindQuestion = "question"
	KindFile     = "file"
	KindConsent  = "consent"
)

// SurveyAPI is the part of the survey platform used for collection.
type SurveyAPI interface {
	GetSurveyProperties(ctx context.Context, surveyID int, names ...string) (limesurvey.Properties, error)
	ExportResponseByToken(ctx context.Context, surveyID int, token, language, completion string) (map[string]any, error)
	GetUploadedFiles(ctx context.Context, surveyID int, token string) (map[string]limesurvey.UploadedFile, error)
}

// UploadFunc is called after every successful upload.
type UploadFunc func(surveyType, kind string)

// Summary counts what a collection did.
type Summary struct {
	SurveyTypes  []string
	Participants int
	Skipped      int
	Responses    int
	Questions    int
	Files        int
	Consents     int
}

// Add accumulates other into s.
func (s *Summary) Add(other Summary) {
	s.SurveyTypes = append(s.SurveyTypes, other.SurveyTypes...)
	s.Participants += other.Participants
	s.Skipped += other.Skipped
	s.Responses += other.Responses
	s.Questions += other.Questions
	s.Files += other.Files
	s.Consents += other.Consents
}

// Collector stores responses.
type Collector struct {
	repo     repository.Client
	api      SurveyAPI
	onUpload UploadFunc
	logger   *slog.Logger
}

// New creates a collector. onUpload may be nil.
func New(repo repository.Client, api SurveyAPI, onUpload UploadFunc, logger *slog.Logger) *Collector {
	if onUpload == nil {
		onUpload = func(string, string) {}
	}
	return &Collector{repo: repo, api: api, onUpload: onUpload, logger: logger}
}

// CollectAll collects every enabled survey type in name order.
func (c *Collector) CollectAll(ctx context.Context, configs map[string]*Config, only string) (Summary, error) {
	var names []string
	if only != "" {
		cfg, ok := configs[only]
		if !ok {
			return Summary{}, fmt.Errorf("unknown survey type: %s", only)
		}
		if !cfg.Enabled {
			return Summary{}, fmt.Errorf("survey type %s is not enabled", only)
		}
		names = []string{only}
	} else {
		for name, cfg := range configs {
			if cfg.Enabled {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	for _, name := range names {
		if err := configs[name].Validate(name); err != nil {
			return Summary{}, err
		}
	}

	var total Summary
	for _, name := range names {
		s, err := c.Collect(ctx, name, configs[name])
		total.Add(s)
		if err != nil {
			return total, err
		}
	}
	c.logger.Info("collection finished",
		"survey_types", total.SurveyTypes,
		"participants", total.Participants,
		"skipped", total.Skipped,
		"responses", total.Responses,
		"questions", total.Questions,
		"files", total.Files,
		"consents", total.Consents,
	)
	return total, nil
}

// Collect stores the responses of one survey type. Returned errors abort
// the collection.
func (c *Collector) Collect(ctx context.Context, surveyType string, cfg *Config) (Summary, error) {
	summary := Summary{SurveyTypes: []string{surveyType}}
	if err := cfg.Validate(surveyType); err != nil {
		return summary, err
	}

	columns := []string{cfg.SurveyIDsColumn}
	if cfg.IsConsent(surveyType) {
		columns = append(columns, cfg.ConsentColumn)
	}
	participants, err := c.repo.Read(ctx, cfg.ShortPseudonymColumn, columns)
	if err != nil {
		return summary, fmt.Errorf("failed to read participants: %w", err)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ShortPseudonym < participants[j].ShortPseudonym
	})
	summary.Participants = len(participants)

	run := &collectRun{
		Collector:  c,
		surveyType: surveyType,
		cfg:        cfg,
		consent:    cfg.IsConsent(surveyType),
		summary:    &summary,
		logger:     c.logger.With("survey_type", surveyType),
	}
	run.logger.Info("collecting responses", "participants", len(participants))

	for _, p := range participants {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := run.participant(ctx, p); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

type collectRun struct {
	*Collector
	surveyType string
	cfg        *Config
	consent    bool
	summary    *Summary
	logger     *slog.Logger
}

func (r *collectRun) skip(sp, reason string, attrs ...any) {
	r.summary.Skipped++
	r.logger.Info("skipping participant", append([]any{"short_pseudonym", sp, "reason", reason}, attrs...)...)
}

func (r *collectRun) participant(ctx context.Context, p repository.Participant) error {
	sp := p.ShortPseudonym
	if r.consent && p.Columns[r.cfg.ConsentColumn] != "" {
		r.skip(sp, "Consent already stored")
		return nil
	}

	ids, err := ledger.ParseSurveyIDs(p.Columns[r.cfg.SurveyIDsColumn])
	if err != nil {
		r.summary.Skipped++
		r.logger.Warn("skipping participant", "short_pseudonym", sp, "error", err)
		return nil
	}
	allocated := ids.Allocated(r.surveyType)
	if len(allocated) == 0 {
		r.skip(sp, "No surveys allocated")
		return nil
	}

	positions := make([]int, 0, len(allocated))
	for pos := range allocated {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	for _, pos := range positions {
		done, err := r.occurrence(ctx, sp, pos, allocated[pos])
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// occurrence stores the response to one survey. done stops processing of
// the participant.
func (r *collectRun) occurrence(ctx context.Context, sp string, pos, surveyID int) (done bool, err error) {
	logger := r.logger.With("short_pseudonym", sp, "position", pos, "survey_id", surveyID)

	props, err := r.api.GetSurveyProperties(ctx, surveyID, "active", "anonymized")
	if err != nil {
		return false, r.apiError(logger, "failed to get survey properties", err)
	}
	if props == nil {
		return false, nil
	}
	if !props.Active() {
		logger.Info("survey is not active")
		return false, nil
	}
	if props.Anonymized() {
		logger.Warn("survey is anonymized, responses cannot be linked to participants")
		return false, nil
	}

	col := r.columnFunc(pos)
	var exists map[string]bool
	if !r.cfg.OverwriteEnabled() {
		if exists, err = r.existing(ctx, sp, col); err != nil {
			return false, err
		}
	}

	response, err := r.api.ExportResponseByToken(ctx, surveyID, sp, r.cfg.LanguageCode, r.cfg.Completion())
	if err != nil {
		return false, r.apiError(logger, "failed to export response", err)
	}
	if len(response) == 0 {
		logger.Debug("no response")
		return false, nil
	}

	if r.consent {
		ok, err := r.researcherApproved(logger, response)
		if err != nil {
			return false, err
		}
		if !ok {
			r.summary.Skipped++
			return true, nil
		}
	}

	if r.cfg.SurveyColumn != "" && !exists[col(r.cfg.SurveyColumn)] {
		data, err := json.Marshal(stripAnswers(response, r.cfg.RemovedAnswers(), logger))
		if err != nil {
			return false, fmt.Errorf("failed to encode response: %w", err)
		}
		if err := r.upload(ctx, sp, col(r.cfg.SurveyColumn), data, ".json", KindResponse); err != nil {
			return false, err
		}
		r.summary.Responses++
	}

	for _, question := range sortedKeys(r.cfg.QuestionColumns) {
		column := col(r.cfg.QuestionColumns[question])
		if exists[column] {
			continue
		}
		value, ok := response[question]
		if !ok {
			logger.Warn("question not found in response", "question", question)
			continue
		}
		data, err := encodeAnswer(value)
		if err != nil {
			return false, fmt.Errorf("failed to encode answer to %s: %w", question, err)
		}
		if err := r.upload(ctx, sp, column, data, "", KindQuestion); err != nil {
			return false, err
		}
		r.summary.Questions++
	}

	if len(r.cfg.FileColumns) > 0 {
		if err := r.files(ctx, logger, sp, surveyID, col, exists); err != nil {
			return false, err
		}
	}

	if r.consent {
		if err := r.upload(ctx, sp, r.cfg.ConsentColumn, []byte("1"), "", KindConsent); err != nil {
			return false, err
		}
		r.summary.Consents++
		logger.Info("consent stored")
	}
	return false, nil
}

func (r *collectRun) files(ctx context.Context, logger *slog.Logger, sp string, surveyID int, col func(string) string, exists map[string]bool) error {
	files, err := r.api.GetUploadedFiles(ctx, surveyID, sp)
	if err != nil {
		return r.apiError(logger, "failed to get uploaded files", err)
	}
	if len(files) == 0 {
		logger.Debug("no uploaded files")
		return nil
	}
	for _, name := range sortedKeys(files) {
		f := files[name]
		column, ok := r.cfg.FileColumns[f.Meta.Question.Title]
		if !ok {
			continue
		}
		column = col(column)
		if exists[column] {
			continue
		}
		data, err := f.Decode()
		if err != nil {
			logger.Warn("failed to decode uploaded file", "file", name, "error", err)
			continue
		}
		ext := ""
		if f.Meta.Ext != "" {
			ext = "." + f.Meta.Ext
		}
		if err := r.upload(ctx, sp, column, data, ext, KindFile); err != nil {
			return err
		}
		r.summary.Files++
	}
	return nil
}

// researcherApproved reads the researcher check of a consent response.
func (r *collectRun) researcherApproved(logger *slog.Logger, response map[string]any) (bool, error) {
	qid := r.cfg.ResearcherCheckQuestionID
	value, ok := response[qid]
	if !ok || value == nil {
		logger.Error("researcher check question changed or does not exist", "question", qid)
		return false, nil
	}
	s, _ := value.(string)
	switch s {
	case "":
		logger.Info("researcher check not yet completed")
		return false, nil
	case "N":
		logger.Info("consent rejected by researcher")
		return false, nil
	case "Y":
		return true, nil
	}
	return false, fmt.Errorf("unexpected researcher check value %v for question %s", value, qid)
}

func (r *collectRun) existing(ctx context.Context, sp string, col func(string) string) (map[string]bool, error) {
	var columns []string
	if r.cfg.SurveyColumn != "" {
		columns = append(columns, col(r.cfg.SurveyColumn))
	}
	for _, c := range r.cfg.QuestionColumns {
		columns = append(columns, col(c))
	}
	for _, c := range r.cfg.FileColumns {
		columns = append(columns, col(c))
	}
	exists, err := r.repo.CheckExistence(ctx, sp, columns)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing data for %s: %w", sp, err)
	}
	return exists, nil
}

func (r *collectRun) upload(ctx context.Context, sp, column string, data []byte, ext, kind string) error {
	if err := r.repo.Write(ctx, sp, column, data, ext); err != nil {
		return fmt.Errorf("failed to store %s for %s in %s: %w", kind, sp, column, err)
	}
	r.onUpload(r.surveyType, kind)
	r.logger.Debug("stored", "short_pseudonym", sp, "column", column, "kind", kind)
	return nil
}

// columnFunc returns the column naming for a position. Sequences store each
// position in its own postfixed column.
func (r *collectRun) columnFunc(pos int) func(string) string {
	if r.cfg.RepetitionType != schedule.Sequence {
		return func(c string) string { return c }
	}
	return func(c string) string { return condition.FormatColumn(c, pos, condition.FormatPostfix) }
}

// apiError logs a failed status and returns nil so the caller skips the
// survey. Everything else is fatal.
func (r *collectRun) apiError(logger *slog.Logger, msg string, err error) error {
	var status *limesurvey.StatusError
	if errors.As(err, &status) {
		logger.Warn(msg, "error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func stripAnswers(response map[string]any, remove []string, logger *slog.Logger) map[string]any {
	out := make(map[string]any, len(response))
	for k, v := range response {
		out[k] = v
	}
	for _, k := range remove {
		if _, ok := out[k]; !ok {
			logger.Warn("answer to remove not found in response", "answer", k)
			continue
		}
		delete(out, k)
	}
	return out
}

func encodeAnswer(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
