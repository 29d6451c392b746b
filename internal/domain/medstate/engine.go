package medstate

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

// Result is everything one build produces.
type Result struct {
	Strategy  Kind                 `json:"strategy"`
	Intervals []MedicationInterval `json:"intervals"`
	Index     []IndexRecord        `json:"index"`
	States    []StateRow           `json:"states"`
	Cohort    *Cohort              `json:"cohort"`
	Report    *Report              `json:"report"`
}

// Engine runs the pipeline for one taxonomy.
type Engine struct {
	tax    *taxonomy.Taxonomy
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine. A nil taxonomy selects the embedded default.
func NewEngine(tax *taxonomy.Taxonomy, logger *zap.Logger) *Engine {
	if tax == nil {
		tax = taxonomy.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tax:    tax,
		logger: logger,
		tracer: otel.Tracer("medstate-engine"),
	}
}

// Build resolves index dates with the highest-priority requested strategy and produces
// the cohort. Schema and configuration problems abort the build; data problems are
// collected in the report.
func (e *Engine) Build(ctx context.Context, in Input, requested ...Kind) (*Result, error) {
	strategy, err := SelectStrategy(requested...)
	if err != nil {
		return nil, err
	}
	kind := strategy.Kind()

	_, span := e.tracer.Start(ctx, "build_cohort",
		trace.WithAttributes(attribute.String("strategy", string(kind))))
	defer span.End()

	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("cohort build failed", zap.String("strategy", string(kind)), zap.Error(err))
		return nil, err
	}

	if err := CheckSchema(strategy, in); err != nil {
		return fail(err)
	}
	history, err := DecodeHistory(in.Extracts.Get(extract.Prescriptions), e.tax)
	if err != nil {
		return fail(err)
	}

	report := &Report{Strategy: kind}
	report.add(history.Issues...)
	report.exclude(history.Excluded)
	for _, name := range extract.Names {
		if t := in.Extracts.Get(name); t != nil {
			report.Warnings = append(report.Warnings, t.Warnings...)
		}
	}

	intervals := Stitch(history.Events)

	set, err := strategy.Resolve(in, e.tax)
	if err != nil {
		return fail(fmt.Errorf("resolve %s index: %w", kind, err))
	}
	report.add(set.Issues...)
	set.Records = dropExcluded(set.Records, history.Excluded)
	report.add(emptyResults(kind, rosterOf(in, history), set.Records, history.Excluded)...)

	var states []StateRow
	if kind == KindEnrollment && history.HasCurrentFlag {
		states = EnrollmentSnapshot(history.Events, set.Records)
	} else {
		states = Evaluate(intervals, set.Records)
	}

	cohort, issues := Assemble(Assembly{
		Index:        set,
		States:       states,
		BioNaive:     BioNaive(append(append([]NaiveMarker(nil), history.Markers...), in.Markers...), set.Records),
		Demographics: in.Extracts.Get(extract.Demographics),
		Diagnosis:    in.Extracts.Get(extract.Diagnosis),

		UntrackedClasses:     history.UntrackedClasses,
		UntrackedMedications: history.UntrackedMedications,
	}, e.tax)
	report.add(issues...)

	report.Patients = countPatients(set.Records)
	report.IndexRecords = len(set.Records)
	report.Rows = len(cohort.Rows)

	span.SetAttributes(
		attribute.Int("patients", report.Patients),
		attribute.Int("rows", report.Rows),
		attribute.Int("issues", len(report.Issues)),
	)
	e.logger.Info("cohort built",
		zap.String("strategy", string(kind)),
		zap.Int("patients", report.Patients),
		zap.Int("index_records", report.IndexRecords),
		zap.Int("intervals", len(intervals)),
		zap.Int("rows", report.Rows),
		zap.Int("issues", len(report.Issues)),
		zap.Int("excluded", len(report.Excluded)))
	for k, n := range report.CountsByKind() {
		e.logger.Debug("build issues", zap.String("kind", string(k)), zap.Int("count", n))
	}

	return &Result{
		Strategy:  kind,
		Intervals: intervals,
		Index:     set.Records,
		States:    states,
		Cohort:    cohort,
		Report:    report,
	}, nil
}

func dropExcluded(recs []IndexRecord, excluded map[string]bool) []IndexRecord {
	if len(excluded) == 0 {
		return recs
	}
	out := make([]IndexRecord, 0, len(recs))
	for _, r := range recs {
		if !excluded[r.PatientID] {
			out = append(out, r)
		}
	}
	return out
}

// rosterOf lists the patients known to the build.
func rosterOf(in Input, h *History) []string {
	seen := make(map[string]bool)
	for _, p := range h.Patients {
		seen[p] = true
	}
	if t := in.Extracts.Get(extract.Demographics); t.Has(ColPatientID) {
		for row := range t.Rows {
			if p := t.Value(row, ColPatientID); p != "" {
				seen[p] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// emptyResults reports known patients the strategy found no index date for.
func emptyResults(kind Kind, roster []string, recs []IndexRecord, excluded map[string]bool) []Issue {
	have := make(map[string]bool, len(recs))
	for _, r := range recs {
		have[r.PatientID] = true
	}
	var issues []Issue
	for _, p := range roster {
		if have[p] || excluded[p] {
			continue
		}
		issues = append(issues, Issue{Kind: IssueEmptyResult, PatientID: p,
			Message: fmt.Sprintf("no %s index date", kind)})
	}
	return issues
}

func countPatients(recs []IndexRecord) int {
	seen := make(map[string]bool)
	for _, r := range recs {
		seen[r.PatientID] = true
	}
	return len(seen)
}
