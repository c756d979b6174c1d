package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
)

func TestWriteExpansion(t *testing.T) {
	res := &engine.ExpansionResult{
		Identifier: "8a3c1d2e",
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ValueSet:   model.SnapshotRef{Owner: model.Org("WHO"), Kind: model.KindValueSet, Mnemonic: "VS1", Version: "1"},
		URL:        "http://example.org/fhir/ValueSet/VS1",
		Total:      2,
		Count:      100,
		ActiveOnly: true,
		Contains: []engine.ConceptDescriptor{
			{System: "http://example.org/sys", SystemVersion: "1", Code: "X1", Display: "Ex one", Locale: "en",
				Designations: []model.Designation{{Locale: "en", Value: "Ex one"}, {Locale: "es", Value: "Ej uno"}}},
			{System: "http://example.org/sys", SystemVersion: "1", Code: "X2", Display: "Ex two", Retired: true},
		},
		Warnings: []oclfhir.Issue{oclfhir.Warn(oclfhir.IssueTypeNotFound, "skipped optional include", "compose.include[1]")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteExpansion(&buf, res))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{conceptSheet, summarySheet}, f.GetSheetList())

	rows, err := f.GetRows(conceptSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ConceptHeader, rows[0])
	assert.Equal(t, []string{"http://example.org/sys", "1", "X1", "Ex one", "en", "FALSE", "", "en: Ex one; es: Ej uno"}, rows[1])
	assert.Equal(t, "X2", rows[2][2])
	assert.Equal(t, "TRUE", rows[2][5])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"URL", "http://example.org/fhir/ValueSet/VS1"}, summary[1])
	assert.Equal(t, []string{"Total", "2"}, summary[4])
	assert.Equal(t, "Warning", summary[len(summary)-1][0])
	assert.Contains(t, summary[len(summary)-1][1], "compose.include[1]")
}

func TestWriteExpansion_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteExpansion(&buf, &engine.ExpansionResult{}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(conceptSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
