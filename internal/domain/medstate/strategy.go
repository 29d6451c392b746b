package medstate

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/taxonomy"
)

// Kind names an index-date strategy.
type Kind string

const (
	KindEnrollment Kind = "ENROLLMENT"
	KindLatest     Kind = "LATEST"
	KindEndoscopy  Kind = "ENDOSCOPY"
	KindOmics      Kind = "OMICS"
	KindBiosample  Kind = "BIOSAMPLE"
	KindExternal   Kind = "EXTERNAL"
)

// Priority orders the strategies; the first requested one wins.
var Priority = []Kind{KindEnrollment, KindEndoscopy, KindOmics, KindBiosample, KindLatest, KindExternal}

// ParseKind accepts a strategy name in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, p := range Priority {
		if k == p {
			return k, nil
		}
	}
	return "", &ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", s)}
}

// EventKeyed reports whether records of this kind carry an EVENT_ID.
func (k Kind) EventKeyed() bool {
	switch k {
	case KindEndoscopy, KindOmics, KindBiosample:
		return true
	}
	return false
}

// Requirement names an extract and the columns a strategy needs from it.
type Requirement struct {
	Table   string
	Columns []string
}

// IndexSet is the output of a strategy.
type IndexSet struct {
	Kind    Kind
	Records []IndexRecord
	// AttributeColumns orders the keys of IndexRecord.Attributes for the report.
	AttributeColumns []string
	// EventIDs is set when a one-row-per-patient strategy still keys its records by
	// event. It follows the schema of the source, not the record values.
	EventIDs bool
	Issues   []Issue
}

// Input carries the extracts for one build. External supplies caller-provided index
// records; when nil, EXTERNAL reads the external_index extract. ExternalEventIDs declares
// that caller-provided records are keyed by event and gives the report an EVENT_ID
// column. Markers adds naive markers to those found in the prescription extract.
type Input struct {
	Extracts         extract.Set
	External         []IndexRecord
	ExternalEventIDs bool
	Markers          []NaiveMarker
}

// Strategy resolves index dates from the extracts.
type Strategy interface {
	Kind() Kind
	Requires(in Input) []Requirement
	Resolve(in Input, tax *taxonomy.Taxonomy) (IndexSet, error)
}

// SelectStrategy picks the highest-priority strategy among the requested kinds.
func SelectStrategy(requested ...Kind) (Strategy, error) {
	if len(requested) == 0 {
		return nil, &ConfigError{Field: "strategy", Reason: ErrNoStrategy.Error(), Err: ErrNoStrategy}
	}
	want := make(map[Kind]bool, len(requested))
	for _, k := range requested {
		if _, err := ParseKind(string(k)); err != nil {
			return nil, err
		}
		want[Kind(strings.ToUpper(string(k)))] = true
	}
	for _, k := range Priority {
		if want[k] {
			return StrategyFor(k), nil
		}
	}
	return nil, &ConfigError{Field: "strategy", Reason: ErrNoStrategy.Error(), Err: ErrNoStrategy}
}

// StrategyFor returns the implementation of one kind.
func StrategyFor(k Kind) Strategy {
	switch k {
	case KindEnrollment:
		return enrollmentStrategy{}
	case KindLatest:
		return latestStrategy{}
	case KindEndoscopy:
		return endoscopyStrategy{}
	case KindOmics:
		return collectionStrategy{kind: KindOmics, table: extract.Omics}
	case KindBiosample:
		return collectionStrategy{kind: KindBiosample, table: extract.Biosamples}
	case KindExternal:
		return externalStrategy{}
	}
	return nil
}

// CheckSchema validates the extracts a strategy needs.
func CheckSchema(s Strategy, in Input) error {
	for _, req := range s.Requires(in) {
		t, err := required(in, req.Table)
		if err != nil {
			return err
		}
		if missing := t.Missing(req.Columns...); len(missing) > 0 {
			return &SchemaError{Table: req.Table, Column: missing[0]}
		}
	}
	return nil
}

// enrollmentStrategy uses each patient's consent date. Exactly one record per patient
// is expected; duplicates keep the earliest date and raise an issue.
type enrollmentStrategy struct{}

func (enrollmentStrategy) Kind() Kind { return KindEnrollment }

func (enrollmentStrategy) Requires(Input) []Requirement {
	return []Requirement{{Table: extract.Demographics, Columns: []string{ColPatientID, ColDateOfConsent}}}
}

func (enrollmentStrategy) Resolve(in Input, _ *taxonomy.Taxonomy) (IndexSet, error) {
	t, err := required(in, extract.Demographics)
	if err != nil {
		return IndexSet{}, err
	}
	set := IndexSet{Kind: KindEnrollment}
	earliest := make(map[string]civil.Date)
	count := make(map[string]int)
	var order []string

	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		d, err := extract.ParseDate(t.Value(row, ColDateOfConsent))
		if err != nil {
			set.Issues = append(set.Issues, dateIssue(t.Name, row+1, patient, ColDateOfConsent, err))
			continue
		}
		count[patient]++
		prev, ok := earliest[patient]
		if !ok {
			order = append(order, patient)
		}
		if !ok || d.Before(prev) {
			earliest[patient] = d
		}
	}

	for _, p := range order {
		if count[p] > 1 {
			set.Issues = append(set.Issues, Issue{Kind: IssueJoinCardinality, Table: t.Name, PatientID: p,
				Message: fmt.Sprintf("%d consent records; earliest kept", count[p])})
		}
		set.Records = append(set.Records, IndexRecord{PatientID: p, IndexDate: earliest[p]})
	}
	sortRecords(set.Records)
	return set, nil
}

// latestStrategy uses each patient's most recent encounter. The encounter type of that
// visit travels with the record.
type latestStrategy struct{}

func (latestStrategy) Kind() Kind { return KindLatest }

func (latestStrategy) Requires(Input) []Requirement {
	return []Requirement{{Table: extract.Encounters, Columns: []string{ColPatientID, ColEncounterDate}}}
}

func (latestStrategy) Resolve(in Input, _ *taxonomy.Taxonomy) (IndexSet, error) {
	t, err := required(in, extract.Encounters)
	if err != nil {
		return IndexSet{}, err
	}
	set := IndexSet{Kind: KindLatest, AttributeColumns: []string{ColLatestEncounterType}}
	latest := make(map[string]civil.Date)
	types := make(map[string]map[string]bool)

	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		d, err := extract.ParseDate(t.Value(row, ColEncounterDate))
		if err != nil {
			set.Issues = append(set.Issues, dateIssue(t.Name, row+1, patient, ColEncounterDate, err))
			continue
		}
		prev, ok := latest[patient]
		if !ok || d.After(prev) {
			latest[patient] = d
			types[patient] = make(map[string]bool)
		}
		if d == latest[patient] {
			if typ := t.Value(row, ColEncounterType); typ != "" {
				types[patient][typ] = true
			}
		}
	}

	for p, d := range latest {
		set.Records = append(set.Records, IndexRecord{
			PatientID:  p,
			IndexDate:  d,
			Attributes: map[string]string{ColLatestEncounterType: joinSorted(types[p])},
		})
	}
	sortRecords(set.Records)
	return set, nil
}

// endoscopyStrategy yields one record per endoscopic procedure.
type endoscopyStrategy struct{}

func (endoscopyStrategy) Kind() Kind { return KindEndoscopy }

func (endoscopyStrategy) Requires(Input) []Requirement {
	return []Requirement{{Table: extract.Procedures, Columns: []string{ColPatientID, ColProcedureDate}}}
}

func (endoscopyStrategy) Resolve(in Input, tax *taxonomy.Taxonomy) (IndexSet, error) {
	t, err := required(in, extract.Procedures)
	if err != nil {
		return IndexSet{}, err
	}
	set := IndexSet{Kind: KindEndoscopy}
	filter := t.Has(ColProcedureType)
	seq := make(map[string]int)

	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		if filter && !tax.IsEndoscopy(t.Value(row, ColProcedureType)) {
			continue
		}
		d, err := extract.ParseDate(t.Value(row, ColProcedureDate))
		if err != nil {
			set.Issues = append(set.Issues, dateIssue(t.Name, row+1, patient, ColProcedureDate, err))
			continue
		}
		id := t.Value(row, ColProcedureID)
		if id == "" {
			id = syntheticEventID(patient, d, seq)
		}
		set.Records = append(set.Records, IndexRecord{PatientID: patient, IndexDate: d, EventID: id})
	}
	sortRecords(set.Records)
	return set, nil
}

// collectionStrategy yields one record per sample collection event. The full event row,
// minus the patient id, is carried into the report.
type collectionStrategy struct {
	kind  Kind
	table string
}

func (s collectionStrategy) Kind() Kind { return s.kind }

func (s collectionStrategy) Requires(Input) []Requirement {
	return []Requirement{{Table: s.table, Columns: []string{ColPatientID, ColCollectionDate}}}
}

func (s collectionStrategy) Resolve(in Input, _ *taxonomy.Taxonomy) (IndexSet, error) {
	t, err := required(in, s.table)
	if err != nil {
		return IndexSet{}, err
	}
	set := IndexSet{Kind: s.kind}
	for _, c := range t.Columns {
		if c != ColPatientID {
			set.AttributeColumns = append(set.AttributeColumns, c)
		}
	}
	seq := make(map[string]int)

	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		d, err := extract.ParseDate(t.Value(row, ColCollectionDate))
		if err != nil {
			set.Issues = append(set.Issues, dateIssue(t.Name, row+1, patient, ColCollectionDate, err))
			continue
		}
		id := t.Value(row, ColSampleID)
		if id == "" {
			id = syntheticEventID(patient, d, seq)
		}
		attrs := t.Record(row)
		delete(attrs, ColPatientID)
		set.Records = append(set.Records, IndexRecord{PatientID: patient, IndexDate: d, EventID: id, Attributes: attrs})
	}
	sortRecords(set.Records)
	return set, nil
}

// externalStrategy accepts caller-supplied records verbatim.
type externalStrategy struct{}

func (externalStrategy) Kind() Kind { return KindExternal }

func (externalStrategy) Requires(in Input) []Requirement {
	if in.External != nil {
		return nil
	}
	return []Requirement{{Table: extract.ExternalIndex, Columns: []string{ColPatientID, ColIndexDate}}}
}

func (externalStrategy) Resolve(in Input, _ *taxonomy.Taxonomy) (IndexSet, error) {
	set := IndexSet{Kind: KindExternal}
	if in.External != nil {
		set.EventIDs = in.ExternalEventIDs
		set.Records = make([]IndexRecord, len(in.External))
		copy(set.Records, in.External)
		if !set.EventIDs {
			for i := range set.Records {
				set.Records[i].EventID = ""
			}
		}
		sortRecords(set.Records)
		return set, nil
	}

	t, err := required(in, extract.ExternalIndex)
	if err != nil {
		return IndexSet{}, err
	}
	set.EventIDs = t.Has(ColEventID)
	for row := range t.Rows {
		patient := t.Value(row, ColPatientID)
		if patient == "" {
			continue
		}
		d, err := extract.ParseDate(t.Value(row, ColIndexDate))
		if err != nil {
			set.Issues = append(set.Issues, dateIssue(t.Name, row+1, patient, ColIndexDate, err))
			continue
		}
		set.Records = append(set.Records, IndexRecord{PatientID: patient, IndexDate: d, EventID: t.Value(row, ColEventID)})
	}
	sortRecords(set.Records)
	return set, nil
}

func required(in Input, name string) (*extract.Table, error) {
	t := in.Extracts.Get(name)
	if t == nil {
		return nil, &SchemaError{Table: name}
	}
	return t, nil
}

func syntheticEventID(patient string, d civil.Date, seq map[string]int) string {
	k := patient + ":" + d.String()
	seq[k]++
	return fmt.Sprintf("%s:%d", k, seq[k])
}

func sortRecords(recs []IndexRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if a.IndexDate != b.IndexDate {
			return a.IndexDate.Before(b.IndexDate)
		}
		return a.EventID < b.EventID
	})
}

func joinSorted(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, NameDelimiter)
}
