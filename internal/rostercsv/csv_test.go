package rostercsv

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeQuotesAndRoundTrips(t *testing.T) {
	recs := RosterResult{
		{Name: "Foo, the Bold", Class: `Bard "Support"`, ItemLevel: "1620.00", CombatPower: "1,892.38"},
		{Name: "Bar", Class: "", ItemLevel: "1550", CombatPower: ""},
		{Name: "Baz", Class: "Paladin", ItemLevel: "1600.50", CombatPower: `a"b,c`},
	}
	text := Serialize(recs)

	assert.Equal(t, `Name,Class,iLvl,CombatPower
"Foo, the Bold","Bard ""Support""",1620.00,"1,892.38"
Bar,,1550,
Baz,Paladin,1600.50,"a""b,c"`, text)

	got, err := Parse(text)
	require.NoError(t, err)
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeCollapsesWhitespace(t *testing.T) {
	text := Serialize(RosterResult{{Name: "  Foo \n\t Bar  ", ItemLevel: " 1620.00 "}})
	assert.Equal(t, "Name,Class,iLvl,CombatPower\nFoo Bar,,1620.00,", text)
}

func TestSerializeEmpty(t *testing.T) {
	assert.Equal(t, "Name,Class,iLvl,CombatPower", Serialize(nil))
}

func TestSortRecords(t *testing.T) {
	recs := RosterResult{
		{Name: "none"},
		{Name: "low", ItemLevel: "1415"},
		{Name: "bad", ItemLevel: "n/a"},
		{Name: "high", ItemLevel: "1640.00"},
		{Name: "tieA", ItemLevel: "1580"},
		{Name: "tieB", ItemLevel: "1580.00"},
	}
	SortRecords(recs)

	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"high", "tieA", "tieB", "low", "none", "bad"}, names)

	for i := 1; i < len(recs); i++ {
		prev, cur := itemLevelValue(recs[i-1].ItemLevel), itemLevelValue(recs[i].ItemLevel)
		assert.True(t, prev >= cur || math.IsInf(cur, -1), "row %d out of order", i)
	}
}

func TestComplete(t *testing.T) {
	full := CharacterRecord{Name: "Foo", Class: "Bard", ItemLevel: "1620.00"}
	cases := map[string]struct {
		recs RosterResult
		want bool
	}{
		"empty":         {nil, false},
		"full":          {RosterResult{full}, true},
		"cp optional":   {RosterResult{full, {Name: "Bar", Class: "Paladin", ItemLevel: "1550"}}, true},
		"missing class": {RosterResult{full, {Name: "Bar", ItemLevel: "1550"}}, false},
		"missing ilvl":  {RosterResult{{Name: "Bar", Class: "Paladin", CombatPower: "1200.00"}}, false},
		"blank name":    {RosterResult{{Name: "  ", Class: "Paladin", ItemLevel: "1550"}}, false},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c.want, Complete(c.recs))
		})
	}
}

func TestParseRejectsShortRows(t *testing.T) {
	_, err := Parse("Name,Class,iLvl,CombatPower\nFoo,Bard")
	require.Error(t, err)
	_, err = Parse("")
	require.Error(t, err)
}
