package counts

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

type staticNames map[string]string

func (n staticNames) DisplayNames(_ context.Context, userIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if name, ok := n[id]; ok {
			resolved[id] = name
		}
	}
	return resolved, nil
}

type failingNames struct{}

func (failingNames) DisplayNames(context.Context, []string) (map[string]string, error) {
	return nil, errors.New("directory offline")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestExportCSVWritesOneRowPerGroup(t *testing.T) {
	fixture := newTestService(t)
	submitAll(t, fixture,
		Submission{Address: "B1", Material: "M1", Quantity: 5, SubmittedBy: "operator-alpha-0001"},
		Submission{Address: "A1", Material: `M"2`, Quantity: 5, SubmittedBy: "operator-alpha-0001"},
		Submission{Address: "A1", Material: `M"2`, Quantity: 7, SubmittedBy: "operator-bravo-0002"},
		Submission{Address: "A1", Material: `M"2`, Quantity: 5, SubmittedBy: "operator-charlie-3"},
		Submission{Address: "A1", Material: `M"2`, Quantity: 9, SubmittedBy: "operator-delta-4"},
	)

	var buffer bytes.Buffer
	names := staticNames{"operator-alpha-0001": `Ana "Alpha"`, "operator-bravo-0002": "Bruno"}
	require.NoError(t, fixture.service.ExportCSV(context.Background(), fixture.inventory.ID, &buffer, names))

	output := buffer.String()
	require.True(t, strings.HasPrefix(output, "\ufeff"))
	lines := strings.Split(strings.TrimPrefix(output, "\ufeff"), "\n")

	snapshot, err := fixture.service.Snapshot(fixture.inventory.ID)
	require.NoError(t, err)
	require.Len(t, lines, len(snapshot)+1)

	require.Equal(t, `"Address";"Material";"1st Operator";"1st Quantity";"1st Time";"2nd Operator";"2nd Quantity";"2nd Time";"3rd Operator";"3rd Quantity";"3rd Time";"Status"`, lines[0])
	require.Equal(t, `"A1";"M""2";"Ana ""Alpha""";"5";"09:00:02";"Bruno";"7";"09:00:03";"operator";"5";"09:00:04";"CORRECT_MAJORITY"`, lines[1])
	require.Equal(t, `"B1";"M1";"Ana ""Alpha""";"5";"09:00:01";"";"";"";"";"";"";"AWAITING_SECOND"`, lines[2])

	var again bytes.Buffer
	require.NoError(t, fixture.service.ExportCSV(context.Background(), fixture.inventory.ID, &again, names))
	require.Equal(t, buffer.String(), again.String())
}

func TestExportRowsUseLocation(t *testing.T) {
	location := time.FixedZone("BRT", -3*60*60)
	group := newGroup(testInventoryID, GroupKey{Address: "A1", Material: "M1"}, []Count{
		mustCount(t, "c1", 0, "A1", "M1", 5, "x"),
	})
	rows := ExportRows([]Group{group}, nil, location)
	require.Len(t, rows, 2)
	require.Equal(t, "06:00:00", rows[1][4])
	require.Equal(t, "x", rows[1][2])
}

func TestExportCSVSurfacesFailures(t *testing.T) {
	fixture := newTestService(t)
	submitAll(t, fixture, Submission{Address: "A1", Material: "M1", Quantity: 5, SubmittedBy: "X"})

	err := fixture.service.ExportCSV(context.Background(), fixture.inventory.ID, failingWriter{}, nil)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "counts.export.write_failed", serviceErr.Code())

	err = fixture.service.ExportCSV(context.Background(), fixture.inventory.ID, &bytes.Buffer{}, failingNames{})
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "counts.export.name_resolve_failed", serviceErr.Code())

	err = fixture.service.ExportCSV(context.Background(), "missing", &bytes.Buffer{}, nil)
	require.ErrorIs(t, err, ErrUnknownInventory)
}

func TestFallbackDisplayName(t *testing.T) {
	require.Equal(t, "abcdefgh", FallbackDisplayName("abcdefgh-1234"))
	require.Equal(t, "short", FallbackDisplayName("short"))

	multiByte := FallbackDisplayName("joão-ção-operador")
	require.Equal(t, "joão-ção", multiByte)
	require.True(t, utf8.ValidString(multiByte))
}
