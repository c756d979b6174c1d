package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const (
	genderSystem   = "http://hl7.org/fhir/administrative-gender"
	genderValueSet = "http://hl7.org/fhir/ValueSet/administrative-gender"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLookup(t *testing.T) {
	out, err := run(t, "lookup", genderSystem, "female")
	require.NoError(t, err)
	assert.Contains(t, out, genderSystem+"|female  Female")

	_, err = run(t, "lookup", genderSystem, "robot")
	assert.Error(t, err)
}

func TestLookup_ByMnemonic(t *testing.T) {
	out, err := run(t, "lookup", "--owner", "global", "administrative-gender", "male", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"Display": "Male"`)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", genderSystem, "other")
	require.NoError(t, err)
	assert.Contains(t, out, "valid: "+genderSystem+"|other (Other)")

	out, err = run(t, "validate", "--valueset", genderValueSet, "draft")
	assert.Error(t, err)
	assert.Contains(t, out, "invalid:")
}

func TestValidate_CodesFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.txt")
	require.NoError(t, os.WriteFile(path, []byte("# gender codes\nmale\n\nfemale\nrobot\n"), 0o600))

	out, err := run(t, "validate", genderSystem, "--codes-from", path)
	assert.EqualError(t, err, "1 of 3 codes are not valid")
	assert.Contains(t, out, "valid: "+genderSystem+"|male (Male)")
	assert.Contains(t, out, "valid: "+genderSystem+"|female (Female)")
	assert.Contains(t, out, "invalid: "+genderSystem+"|robot")
	assert.Contains(t, out, "3 checked, 1 invalid, 0 failed")

	require.NoError(t, os.WriteFile(path, []byte("male\nother\n"), 0o600))
	out, err = run(t, "validate", "--valueset", genderValueSet, "--codes-from", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 checked, 0 invalid, 0 failed")

	_, err = run(t, "validate", genderSystem)
	assert.Error(t, err, "a code argument is required without --codes-from")
}

func TestExpand(t *testing.T) {
	out, err := run(t, "expand", genderValueSet, "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "total=4")
	assert.Contains(t, out, genderSystem+"|male  Male")
	assert.NotContains(t, out, "|unknown")
}

func TestExpand_XLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gender.xlsx")
	out, err := run(t, "expand", genderValueSet, "--xlsx", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 4 of 4 concepts")

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Expansion")
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestImport_SQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OCLFHIR_DB_DRIVER", "sqlite3")
	t.Setenv("OCLFHIR_DB_NAME", filepath.Join(dir, "terminology.db"))

	out, err := run(t, "import", "--builtins")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 8 snapshots, 20 concepts")

	// The imported database now serves the same lookups.
	out, err = run(t, "lookup", genderSystem, "unknown")
	require.NoError(t, err)
	assert.Contains(t, out, "|unknown  Unknown")
}

func TestImport_NeedsDatabase(t *testing.T) {
	_, err := run(t, "import", "--builtins")
	assert.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`database { driver = "oracle" }`), 0o600))
	_, err := run(t, "--config", path, "lookup", genderSystem, "male")
	assert.Error(t, err)
}
