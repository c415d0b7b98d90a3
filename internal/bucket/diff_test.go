package bucket

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/misterdjules/moray/internal/types"
)

func TestDiffIndexes(t *testing.T) {
	old := map[string]FieldConfig{
		"login": {Type: types.String, Unique: true},
		"uid":   {Type: types.Number},
		"city":  {Type: types.String},
	}
	incoming := map[string]FieldConfig{
		"login": {Type: types.String, Unique: true},
		"uid":   {Type: types.String}, // type changed
		"zip":   {Type: types.String},
		"phone": {Type: types.String},
	}

	got := DiffIndexes(old, incoming)
	want := &IndexDiff{
		Add: []string{"phone", "zip"},
		Del: []string{"city"},
		Mod: []string{"uid"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DiffIndexes mismatch (-want +got):\n%s", diff)
	}
	if got.Empty() {
		t.Error("diff should not be empty")
	}

	same := DiffIndexes(old, old)
	if !same.Empty() {
		t.Errorf("identical maps should produce an empty diff, got %+v", same)
	}
}

func TestConsolidateReindex(t *testing.T) {
	orig := ReindexMap{2: {"city"}}

	got := ConsolidateReindex(orig, 3, []string{"zip", "phone", "zip"})
	want := ReindexMap{2: {"city"}, 3: {"phone", "zip"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ConsolidateReindex mismatch (-want +got):\n%s", diff)
	}

	// Merging into an existing version keeps set semantics.
	got = ConsolidateReindex(got, 3, []string{"phone", "country"})
	want = ReindexMap{2: {"city"}, 3: {"country", "phone", "zip"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}

	// The input map is never mutated.
	if diff := cmp.Diff(ReindexMap{2: {"city"}}, orig); diff != "" {
		t.Errorf("input map was mutated (-want +got):\n%s", diff)
	}

	// No new fields is a plain copy.
	got = ConsolidateReindex(orig, 3, nil)
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("copy mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateTableSQL(t *testing.T) {
	stmts := CreateTableSQL("accounts", map[string]FieldConfig{
		"login": {Type: types.String, Unique: true},
		"tags":  {Type: types.StringArray},
	})
	want := []string{
		`CREATE TABLE "accounts" (_key TEXT PRIMARY KEY, _value TEXT NOT NULL, ` +
			`_etag TEXT NOT NULL, _id BIGSERIAL, _mtime BIGINT NOT NULL, _txn_snap BIGINT, ` +
			`"login" TEXT, "tags" TEXT[])`,
		`CREATE INDEX "accounts__id_idx" ON "accounts" (_id)`,
		`CREATE INDEX "accounts__mtime_idx" ON "accounts" (_mtime)`,
		`CREATE UNIQUE INDEX "accounts_login_idx" ON "accounts" ("login") WHERE "login" IS NOT NULL`,
		`CREATE INDEX "accounts_tags_idx" ON "accounts" USING GIN ("tags") WHERE "tags" IS NOT NULL`,
	}
	if diff := cmp.Diff(want, stmts); diff != "" {
		t.Errorf("CreateTableSQL mismatch (-want +got):\n%s", diff)
	}
}
