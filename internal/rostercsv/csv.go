package rostercsv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var csvHeader = []string{"Name", "Class", "iLvl", "CombatPower"}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// itemLevelValue parses an item level for ordering; failures sort last.
func itemLevelValue(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

// SortRecords orders records by item level descending. Ties keep their
// order.
func SortRecords(recs RosterResult) {
	sort.SliceStable(recs, func(i, j int) bool {
		return itemLevelValue(recs[i].ItemLevel) > itemLevelValue(recs[j].ItemLevel)
	})
}

// Serialize renders the header and one row per record. Values are
// whitespace-collapsed, and rows are joined by "\n" with no trailing newline.
func Serialize(recs RosterResult) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, r := range recs {
		_ = w.Write([]string{squash(r.Name), squash(r.Class), squash(r.ItemLevel), squash(r.CombatPower)})
	}
	w.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}

// Parse reads text produced by Serialize back into records.
func Parse(text string) (RosterResult, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing header")
	}
	out := make(RosterResult, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(csvHeader) {
			return nil, fmt.Errorf("row %d: %d fields", i+1, len(row))
		}
		out = append(out, CharacterRecord{Name: row[0], Class: row[1], ItemLevel: row[2], CombatPower: row[3]})
	}
	return out, nil
}

// Complete reports whether recs can replace a cached roster: at least one
// row and every row carrying a name, class and item level.
func Complete(recs RosterResult) bool {
	if len(recs) == 0 {
		return false
	}
	for _, r := range recs {
		if squash(r.Name) == "" || squash(r.Class) == "" || squash(r.ItemLevel) == "" {
			return false
		}
	}
	return true
}
