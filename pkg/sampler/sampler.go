// Package sampler provides the case table consumed by the orchestration driver.
// Generating the sample itself is left to external tools; Precomputed adopts
// an existing buildstock.csv.
package sampler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// WeatherColumn is the case-table column naming each case's weather file
const WeatherColumn = "Location EPW"

// Sampler produces the case table for a sweep
type Sampler interface {
	Sample(ctx context.Context) (*CaseTable, error)
}

// CaseTable maps case ids to their parameter assignments
type CaseTable struct {
	Columns []string
	rows    map[int]map[string]string
	order   []int
}

// IDs returns case ids in file order
func (t *CaseTable) IDs() []int {
	out := make([]int, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of cases
func (t *CaseTable) Len() int {
	return len(t.order)
}

// Row returns the parameter assignment of a case
func (t *CaseTable) Row(id int) (map[string]string, bool) {
	row, ok := t.rows[id]
	return row, ok
}

// Weather returns the weather file referenced by a case
func (t *CaseTable) Weather(id int) (string, bool) {
	row, ok := t.rows[id]
	if !ok {
		return "", false
	}
	w, ok := row[WeatherColumn]
	return w, ok && w != ""
}

// WeatherFiles returns the distinct, sorted weather files needed by ids
func (t *CaseTable) WeatherFiles(ids []int) []string {
	seen := map[string]bool{}
	for _, id := range ids {
		if w, ok := t.Weather(id); ok {
			seen[w] = true
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// ReadCaseTable parses a buildstock.csv. The first column is the integer case id.
func ReadCaseTable(r io.Reader) (*CaseTable, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read case table header: %w", err)
	}
	if len(header) == 0 {
		return nil, errors.New("case table has no columns")
	}

	t := &CaseTable{Columns: header[1:], rows: map[int]map[string]string{}}
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("case table line %d: %w", line, err)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("case table line %d: invalid case id %q", line, rec[0])
		}
		if _, dup := t.rows[id]; dup {
			return nil, fmt.Errorf("case table line %d: duplicate case id %d", line, id)
		}
		row := make(map[string]string, len(header)-1)
		for i, col := range header[1:] {
			if i+1 < len(rec) {
				row[col] = rec[i+1]
			}
		}
		t.rows[id] = row
		t.order = append(t.order, id)
	}
	return t, nil
}

// LoadCaseTable reads a case table from a file
func LoadCaseTable(path string) (*CaseTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open case table: %w", err)
	}
	defer f.Close()
	return ReadCaseTable(f)
}

// Precomputed adopts an existing case table and stages it under the output directory
type Precomputed struct {
	Source    string // buildstock.csv produced elsewhere
	OutputDir string // copy goes to <OutputDir>/housing_characteristics/buildstock.csv
	Expected  int    // n_datapoints, 0 skips the check
}

// StagedPath is where the copy of the case table lives
func (p *Precomputed) StagedPath() string {
	return filepath.Join(p.OutputDir, "housing_characteristics", "buildstock.csv")
}

// Sample copies the table into place and parses it
func (p *Precomputed) Sample(ctx context.Context) (*CaseTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read case table: %w", err)
	}
	table, err := ReadCaseTable(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	if p.Expected > 0 && table.Len() != p.Expected {
		return nil, fmt.Errorf("case table has %d cases, project expects n_datapoints=%d", table.Len(), p.Expected)
	}

	staged := p.StagedPath()
	if err := os.MkdirAll(filepath.Dir(staged), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(staged, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to stage case table: %w", err)
	}
	return table, nil
}
