package migrate

import (
	"sort"
	"testing"

	"entgo.io/ent"

	entschema "github.com/wilhg/rewind/internal/ent/schema"
)

func fieldNames(fields []ent.Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Descriptor().Name)
	}
	sort.Strings(out)
	return out
}

func columnNames(t *testing.T, cols []string) []string {
	t.Helper()
	out := append([]string(nil), cols...)
	sort.Strings(out)
	return out
}

// The hand-maintained tables must stay in step with the declarative schema.
func TestTablesMatchSchema(t *testing.T) {
	var rec []string
	for _, c := range RecordingsTable.Columns {
		rec = append(rec, c.Name)
	}
	want := fieldNames(entschema.Recording{}.Fields())
	got := columnNames(t, rec)
	if len(want) != len(got) {
		t.Fatalf("recordings columns=%v want %v", got, want)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("recordings columns=%v want %v", got, want)
		}
	}

	var frm []string
	for _, c := range FramesTable.Columns {
		if c.Name == "id" {
			continue
		}
		frm = append(frm, c.Name)
	}
	want = fieldNames(entschema.Frame{}.Fields())
	got = columnNames(t, frm)
	if len(want) != len(got) {
		t.Fatalf("frames columns=%v want %v", got, want)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("frames columns=%v want %v", got, want)
		}
	}
}

func TestFramesReferenceRecordings(t *testing.T) {
	fk := FramesTable.ForeignKeys[0]
	if fk.RefTable != RecordingsTable {
		t.Fatal("foreign key must reference recordings")
	}
	if len(entschema.Frame{}.Indexes()) != len(FramesTable.Indexes) {
		t.Fatal("frames index count differs from schema")
	}
}
