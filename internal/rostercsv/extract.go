package rostercsv

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	itemLevelRe   = regexp.MustCompile(`(?i)(?:\bitem\s*level|\bilvl)[:\s]*([0-9]{3,4}(?:\.[0-9]{2})?)\b`)
	combatPowerRe = regexp.MustCompile(`(?i)\bcombat\s*power[:\s]*([0-9][0-9.,]*)`)
	cpLabelRe     = regexp.MustCompile(`(?i)\bCP[:\s]*([0-9][0-9.,]*)`)
	bareDecimalRe = regexp.MustCompile(`\b[0-9]{3,4}\.[0-9]{2}\b`)
	classLabelRe  = regexp.MustCompile(`(?i)\b(?:class|job|character\s*type)\s*:\s*([a-z]+)`)
)

const (
	minBareCombatPower = 1000
	maxBareCombatPower = 5000
)

var knownClasses = map[string]struct{}{
	"berserker": {}, "paladin": {}, "gunlancer": {}, "destroyer": {}, "slayer": {},
	"warlord": {}, "breaker": {}, "bard": {}, "sorceress": {}, "arcanist": {},
	"summoner": {}, "artist": {}, "aeromancer": {}, "painter": {}, "wardancer": {},
	"scrapper": {}, "soulfist": {}, "glaivier": {}, "striker": {}, "deathblade": {},
	"shadowhunter": {}, "reaper": {}, "souleater": {}, "sharpshooter": {}, "deadeye": {},
	"gunslinger": {}, "machinist": {}, "scouter": {}, "wildsoul": {}, "valkyrie": {},
}

var knownRegions = map[string]struct{}{
	"nae": {}, "naw": {}, "euc": {}, "euw": {}, "sa": {}, "jp": {}, "kr": {}, "steam": {},
}

// ExtractItemLevel returns the first labelled item level in text, or "".
func ExtractItemLevel(text string) string {
	m := itemLevelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractCombatPower prefers an explicit "Combat Power" or "CP" label. Failing
// that it takes the first bare NNN.NN/NNNN.NN token inside the plausible
// combat power range, skipping the number already claimed as item level.
func ExtractCombatPower(text string) string {
	for _, re := range []*regexp.Regexp{combatPowerRe, cpLabelRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimRight(m[1], ".,"); v != "" {
				return v
			}
		}
	}

	ilvlStart := -1
	if loc := itemLevelRe.FindStringSubmatchIndex(text); loc != nil {
		ilvlStart = loc[2]
	}
	for _, loc := range bareDecimalRe.FindAllStringIndex(text, -1) {
		if loc[0] == ilvlStart {
			continue
		}
		tok := text[loc[0]:loc[1]]
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		if v >= minBareCombatPower && v <= maxBareCombatPower {
			return tok
		}
	}
	return ""
}

// ExtractClass never fails; "" means no class could be found.
func ExtractClass(text string) string {
	if m := classLabelRe.FindStringSubmatch(squash(text)); m != nil {
		return capitalize(m[1])
	}
	return classFromLayout(text)
}

// classFromLayout matches the profile header as rendered today:
//
//	<server>
//
//	<class>
//
//	<character name>
func classFromLayout(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	for i := 0; i+4 < len(lines); i++ {
		if !serverLike(lines[i]) || lines[i+1] != "" || lines[i+3] != "" {
			continue
		}
		if !singleWord(lines[i+2]) {
			continue
		}
		if len([]rune(lines[i+4])) < 3 {
			continue
		}
		return capitalize(lines[i+2])
	}
	return ""
}

func serverLike(line string) bool {
	if line == "" || len([]rune(line)) > 20 {
		return false
	}
	lower := strings.ToLower(line)
	if _, ok := knownClasses[lower]; ok {
		return false
	}
	if _, ok := knownRegions[lower]; ok {
		return false
	}
	for _, bad := range []string{"http", "www.", ".com", ".moe", "/", "@"} {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	for _, r := range line {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func singleWord(line string) bool {
	n := 0
	for _, r := range line {
		if !unicode.IsLetter(r) {
			return false
		}
		n++
	}
	return n >= 3 && n <= 20
}

func capitalize(s string) string {
	s = strings.ToLower(s)
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
