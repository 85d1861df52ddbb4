package sampler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const table = `Building,Vintage,Location EPW
1,1980s,USA_CO_Denver.epw
2,2000s,USA_TX_Austin.epw
3,1950s,USA_CO_Denver.epw
`

func TestReadCaseTable(t *testing.T) {
	ct, err := ReadCaseTable(strings.NewReader(table))
	if err != nil {
		t.Fatalf("ReadCaseTable: %v", err)
	}

	if got := ct.IDs(); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("IDs() = %v", got)
	}
	if row, _ := ct.Row(2); row["Vintage"] != "2000s" {
		t.Errorf("row 2 = %v", row)
	}
	if w, ok := ct.Weather(3); !ok || w != "USA_CO_Denver.epw" {
		t.Errorf("Weather(3) = %q, %v", w, ok)
	}

	files := ct.WeatherFiles([]int{1, 3, 2, 99})
	if len(files) != 2 || files[0] != "USA_CO_Denver.epw" || files[1] != "USA_TX_Austin.epw" {
		t.Errorf("WeatherFiles() = %v", files)
	}
}

func TestReadCaseTableErrors(t *testing.T) {
	bad := map[string]string{
		"non-integer id": "Building,X\nabc,1\n",
		"duplicate id":   "Building,X\n1,a\n1,b\n",
		"empty":          "",
	}
	for name, in := range bad {
		if _, err := ReadCaseTable(strings.NewReader(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPrecomputedStagesTable(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "buildstock.csv")
	if err := os.WriteFile(src, []byte(table), 0644); err != nil {
		t.Fatal(err)
	}

	p := &Precomputed{Source: src, OutputDir: filepath.Join(dir, "out"), Expected: 3}
	ct, err := p.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if ct.Len() != 3 {
		t.Errorf("Len() = %d", ct.Len())
	}
	if _, err := os.Stat(p.StagedPath()); err != nil {
		t.Errorf("staged table missing: %v", err)
	}

	p.Expected = 5
	if _, err := p.Sample(context.Background()); err == nil {
		t.Error("expected n_datapoints mismatch error")
	}
}
