// Package friendship scores user messages into experience points and derives
// a 1..30 level per (user, persona) pair. Exp only ever grows; level is a
// pure function of cumulative exp and is never stored, so a formula change
// reinterprets history without migration.
package friendship

import (
	"math"
	"strings"
)

// MaxLevel caps the derived level.
const MaxLevel = 30

// gameMarkers flag an in-progress mini-game inside a message; any of them
// grants the flat game bonus.
var gameMarkers = []string{
	"[GAME:끝말잇기]",
	"[GAME:스무고개]",
	"[GAME:밸런스게임]",
}

// emojiRanges covers the Unicode blocks counted as emoji for the bonus.
var emojiRanges = [][2]rune{
	{0x1F1E6, 0x1F1FF}, // regional indicators
	{0x1F300, 0x1F5FF}, // symbols & pictographs
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F680, 0x1F6FF}, // transport & map
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1FA70, 0x1FAFF}, // extended pictographs
	{0x2600, 0x26FF},   // miscellaneous symbols
	{0x2700, 0x27BF},   // dingbats
}

// CountEmojis returns how many emoji runes the text contains.
func CountEmojis(text string) int {
	count := 0
	for _, r := range text {
		for _, rng := range emojiRanges {
			if r >= rng[0] && r <= rng[1] {
				count++
				break
			}
		}
	}
	return count
}

// HasActiveGame reports whether the message carries an active-game marker.
func HasActiveGame(message string) bool {
	for _, marker := range gameMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// CalculateExp scores one message: base 1 point, 2 at >=50 chars, 3 at
// >=100 chars, +0.2 per emoji, +5 during an active game, rounded to one
// decimal place.
func CalculateExp(message string) float64 {
	exp := 1.0
	length := len([]rune(message))
	if length >= 100 {
		exp = 3.0
	} else if length >= 50 {
		exp = 2.0
	}

	exp += float64(CountEmojis(message)) * 0.2

	if HasActiveGame(message) {
		exp += 5
	}

	return math.Round(exp*10) / 10
}

// LevelForExp derives the level from cumulative exp. The first level-up
// costs 10 exp and each next one costs 10 more, saturating at MaxLevel.
func LevelForExp(exp float64) int {
	if exp < 10 {
		return 1
	}
	level := int(math.Floor((-1+math.Sqrt(1+8*exp/10))/2)) + 1
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
