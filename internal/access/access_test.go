package access

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// grants lists, per level, every resource with the verbs it may use. Anything absent is denied.
var grants = map[AccessLevel]map[string]string{
	Admin: {
		"customer":           "list view update create delete report",
		"organization":       "list view update create delete report",
		"institution":        "list view update create delete report",
		"organization_unit":  "list view update create delete report",
		"user":               "list view update create delete report",
		"employee":           "list view update create delete report",
		"work_time":          "list view update create delete report",
		"employee_work_time": "list view update create delete report",
		"office":             "list view update create delete report",
		"appointment":        "list view update create delete report",
	},
	CustomerOwner: {
		"customer":           "list view update report",
		"organization":       "list view update create delete report",
		"institution":        "list view update create delete report",
		"organization_unit":  "list view update create delete report",
		"user":               "list view update create delete report",
		"employee":           "list view update create delete report",
		"work_time":          "list view update create delete report",
		"employee_work_time": "list view update create delete report",
		"office":             "list view update create delete report",
		"appointment":        "list view update create delete report",
	},
	InstitutionOwner: {
		"customer":           "view",
		"organization":       "list view",
		"institution":        "list view update report",
		"organization_unit":  "list view update create delete report",
		"user":               "list view update create delete report",
		"employee":           "list view update create delete report",
		"work_time":          "list view update create delete report",
		"employee_work_time": "list view update create delete report",
		"office":             "list view update create delete report",
		"appointment":        "list view update create delete report",
	},
	Management: {
		"institution":        "view",
		"organization_unit":  "list view",
		"user":               "list view",
		"employee":           "list view update create",
		"work_time":          "list view update create report",
		"employee_work_time": "list view update create report",
		"office":             "list view update",
		"appointment":        "list view update create delete report",
	},
	Worker: {
		"institution":        "view",
		"employee":           "view",
		"work_time":          "list view create",
		"employee_work_time": "list view",
		"office":             "list view",
		"appointment":        "list view update create",
	},
}

func expectGranted(level AccessLevel, action ResourceAction) bool {
	verbs, ok := grants[level][action.Resource.String()]
	if !ok {
		return false
	}
	for _, v := range strings.Fields(verbs) {
		if v == action.Verb.String() {
			return true
		}
	}
	return false
}

func TestDefaultMatrixIsExhaustive(t *testing.T) {
	table := Default()
	checked := 0
	for _, level := range AccessLevels() {
		for _, action := range AllResourceActions() {
			want := expectGranted(level, action)
			if got := table.IsGranted(level, action); got != want {
				t.Errorf("IsGranted(%s, %s)=%v, want %v", level, action, got, want)
			}
			checked++
		}
	}
	if checked != len(AccessLevels())*NumResourceActions {
		t.Fatalf("checked %d pairs, want %d", checked, len(AccessLevels())*NumResourceActions)
	}
}

func TestDefaultScopes(t *testing.T) {
	table := Default()
	cases := map[AccessLevel]Scope{
		Admin:            ScopeNone,
		CustomerOwner:    ScopeEco,
		InstitutionOwner: ScopeState,
		Management:       ScopeState,
		Worker:           ScopeState,
	}
	for level, want := range cases {
		if got := table.AllowedScope(level); got != want {
			t.Fatalf("AllowedScope(%s)=%s, want %s", level, got, want)
		}
	}
}

func TestInvalidInputsAreDenied(t *testing.T) {
	table := Default()
	if table.IsGranted(AccessLevel(99), Action(ResourceCustomer, List)) {
		t.Fatal("unknown level must be denied")
	}
	if table.IsGranted(Admin, ResourceAction{Resource: Resource(99), Verb: List}) {
		t.Fatal("unknown resource must be denied")
	}
	var nilMatrix *Matrix
	if nilMatrix.IsGranted(Admin, Action(ResourceCustomer, List)) {
		t.Fatal("nil matrix must deny")
	}
}

func TestResourceActionRoundTrip(t *testing.T) {
	seen := map[int]bool{}
	for _, action := range AllResourceActions() {
		parsed, err := ParseResourceAction(action.String())
		if err != nil {
			t.Fatalf("parse %s: %v", action, err)
		}
		if parsed != action {
			t.Fatalf("parsed %s as %s", action, parsed)
		}
		if seen[action.Index()] {
			t.Fatalf("duplicate index %d", action.Index())
		}
		seen[action.Index()] = true
	}
	if _, err := ParseResourceAction("administration"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := ParseResourceAction("customer:approve"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestGroupLookup(t *testing.T) {
	table := Default()
	g, ok := table.Lookup("/customer_owner", "")
	if !ok || g.Level != CustomerOwner {
		t.Fatalf("lookup by path: %+v %v", g, ok)
	}
	g, ok = table.Lookup("/unknown", "Worker")
	if !ok || g.Level != Worker {
		t.Fatalf("lookup by name fallback: %+v %v", g, ok)
	}
	if _, ok := table.Lookup("/unknown", "Nobody"); ok {
		t.Fatal("expected miss")
	}
}

const sampleTable = `# User Groups

| Name    | Path     | Display Name | Access Level  | Scope |
| ------- | -------- | ------------ | ------------- | ----- |
| Root    | /root    | Root         | Admin         | none  |
| Owner   | /owner   | Owner        | CustomerOwner | eco   |

# Role Mappings

| Roles           | Root | Owner |
| --------------- | ---- | ----- |
| customer:view   | x    | x     |
| customer:create | x    |       |
`

func TestParseMarkdown(t *testing.T) {
	table, err := ParseMarkdown(strings.NewReader(sampleTable))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !table.IsGranted(Admin, Action(ResourceCustomer, Create)) {
		t.Fatal("Root should create customers")
	}
	if table.IsGranted(CustomerOwner, Action(ResourceCustomer, Create)) {
		t.Fatal("Owner must not create customers")
	}
	if !table.IsGranted(CustomerOwner, Action(ResourceCustomer, View)) {
		t.Fatal("Owner should view customers")
	}
	if table.IsGranted(Worker, Action(ResourceCustomer, View)) {
		t.Fatal("undeclared level must be denied")
	}
	if table.AllowedScope(Worker) != ScopeState {
		t.Fatal("undeclared level should get the narrowest scope")
	}
}

func TestParseMarkdownRejectsUnknownEntries(t *testing.T) {
	cases := map[string]string{
		"unknown level":  strings.Replace(sampleTable, "CustomerOwner |", "Janitor       |", 1),
		"unknown scope":  strings.Replace(sampleTable, "| eco   |", "| world |", 1),
		"unknown role":   strings.Replace(sampleTable, "customer:view  ", "customer:peek  ", 1),
		"unknown column": strings.Replace(sampleTable, "| Roles           | Root | Owner |", "| Roles           | Root | Ghost |", 1),
		"missing roles":  strings.Split(sampleTable, "# Role Mappings")[0],
	}
	for name, input := range cases {
		if _, err := ParseMarkdown(strings.NewReader(input)); !errors.Is(err, ErrInvalidTable) {
			t.Fatalf("%s: expected ErrInvalidTable, got %v", name, err)
		}
	}
}

func TestConflictingScopesRejected(t *testing.T) {
	_, err := NewTable([]Group{
		{Name: "a", Level: Worker, Scope: ScopeState},
		{Name: "b", Level: Worker, Scope: ScopeEco},
	})
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestWriteFormatsReparse(t *testing.T) {
	table := Default()

	var md bytes.Buffer
	if err := table.WriteMarkdown(&md); err != nil {
		t.Fatalf("write markdown: %v", err)
	}
	fromMD, err := ParseMarkdown(&md)
	if err != nil {
		t.Fatalf("reparse markdown: %v", err)
	}

	var y bytes.Buffer
	if err := table.WriteYAML(&y); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	fromYAML, err := LoadYAML(&y)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	if fromMD.Matrix() != table.Matrix() || fromYAML.Matrix() != table.Matrix() {
		t.Fatal("rendered tables do not reproduce the matrix")
	}
	for _, level := range AccessLevels() {
		if fromYAML.AllowedScope(level) != table.AllowedScope(level) {
			t.Fatalf("scope mismatch for %s", level)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Default().WriteYAML(f); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	_ = f.Close()

	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if table.Matrix() != Default().Matrix() {
		t.Fatal("loaded table differs from the default")
	}
	if got, _ := LoadFile(""); got != Default() {
		t.Fatal("empty path must return the default table")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.md")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
