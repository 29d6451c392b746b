// Package taxonomy loads the mechanism-of-action (MOA) class taxonomy that decides
// which medication classes and medications get a column in the cohort report.
package taxonomy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Class is one MOA bucket.
type Class struct {
	Name string `yaml:"name"`
	// Aliases are other spellings of the class label found in extracts.
	Aliases     []string `yaml:"aliases"`
	Medications []string `yaml:"medications"`
}

// Taxonomy is the parsed class list with lookup indexes.
type Taxonomy struct {
	BiologicClass  string   `yaml:"biologic_class"`
	NaiveMarker    string   `yaml:"naive_marker"`
	EndoscopyTerms []string `yaml:"endoscopy_terms"`
	Classes        []Class  `yaml:"classes"`

	byMedication map[string]string
	medSpelling  map[string]string
	byClass      map[string]string
}

// Default returns the embedded taxonomy.
func Default() *Taxonomy {
	t, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded taxonomy: %v", err))
	}
	return t
}

// Load reads a taxonomy file; an empty path yields the embedded default.
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates taxonomy YAML.
func Parse(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode taxonomy: %w", err)
	}
	if len(t.Classes) == 0 {
		return nil, fmt.Errorf("taxonomy declares no classes")
	}
	if t.NaiveMarker == "" {
		t.NaiveMarker = "BIOLOGIC_NAIVE"
	}

	t.byMedication = make(map[string]string)
	t.medSpelling = make(map[string]string)
	t.byClass = make(map[string]string)
	for i, c := range t.Classes {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("taxonomy class without a name")
		}
		key := fold(name)
		if _, dup := t.byClass[key]; dup {
			return nil, fmt.Errorf("duplicate taxonomy class %q", name)
		}
		t.byClass[key] = name
		t.Classes[i].Name = name
		for _, a := range c.Aliases {
			ak := fold(a)
			if prev, dup := t.byClass[ak]; dup && prev != name {
				return nil, fmt.Errorf("class alias %q names %q and %q", a, prev, name)
			}
			t.byClass[ak] = name
		}
		for _, m := range c.Medications {
			mk := fold(m)
			if prev, dup := t.byMedication[mk]; dup && prev != name {
				return nil, fmt.Errorf("medication %q listed under %q and %q", m, prev, name)
			}
			t.byMedication[mk] = name
			t.medSpelling[mk] = strings.TrimSpace(m)
		}
	}
	if t.BiologicClass != "" {
		if _, ok := t.byClass[fold(t.BiologicClass)]; !ok {
			return nil, fmt.Errorf("biologic class %q is not a declared class", t.BiologicClass)
		}
	}
	return &t, nil
}

// ClassOf returns the canonical class for a medication name.
func (t *Taxonomy) ClassOf(medication string) (string, bool) {
	c, ok := t.byMedication[fold(medication)]
	return c, ok
}

// CanonicalMedication returns the declared spelling of a tracked medication, or the
// trimmed input when the medication is not tracked.
func (t *Taxonomy) CanonicalMedication(medication string) string {
	if m, ok := t.medSpelling[fold(medication)]; ok {
		return m
	}
	return strings.TrimSpace(medication)
}

// Canonical maps a class label from an extract onto the declared spelling.
func (t *Taxonomy) Canonical(class string) (string, bool) {
	c, ok := t.byClass[fold(class)]
	return c, ok
}

// IsNaiveMarker reports whether a prescription row is a biologic-naive flag rather than a medication.
func (t *Taxonomy) IsNaiveMarker(medication string) bool {
	return fold(medication) == fold(t.NaiveMarker)
}

// IsEndoscopy reports whether a procedure description names an endoscopic procedure.
func (t *Taxonomy) IsEndoscopy(procedure string) bool {
	p := fold(procedure)
	for _, term := range t.EndoscopyTerms {
		if strings.Contains(p, fold(term)) {
			return true
		}
	}
	return false
}

// ClassNames returns the tracked class names in ascending order.
func (t *Taxonomy) ClassNames() []string {
	names := make([]string, 0, len(t.Classes))
	for _, c := range t.Classes {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Medications returns every tracked medication ordered by class, then name.
func (t *Taxonomy) Medications() []string {
	var meds []string
	for _, class := range t.ClassNames() {
		for _, c := range t.Classes {
			if c.Name != class {
				continue
			}
			names := append([]string(nil), c.Medications...)
			sort.Slice(names, func(i, j int) bool { return fold(names[i]) < fold(names[j]) })
			meds = append(meds, names...)
		}
	}
	return meds
}

func fold(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
