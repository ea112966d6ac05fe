package geocode

import "strings"

// cityNames maps Hebrew spellings of common cities to the Latin names the
// geocoding service indexes best. The table handles the frequent cases;
// anything else falls through to the letter-by-letter transliteration.
var cityNames = map[string]string{
	"תל אביב":   "Tel Aviv",
	"תל-אביב":   "Tel Aviv",
	"ירושלים":   "Jerusalem",
	"חיפה":      "Haifa",
	"באר שבע":   "Beer Sheva",
	"ראשון לציון": "Rishon LeZion",
	"פתח תקווה": "Petah Tikva",
	"נתניה":     "Netanya",
	"אשדוד":     "Ashdod",
	"אשקלון":    "Ashkelon",
	"חולון":     "Holon",
	"רמת גן":    "Ramat Gan",
	"בני ברק":   "Bnei Brak",
	"רחובות":    "Rehovot",
	"הרצליה":    "Herzliya",
	"כפר סבא":   "Kfar Saba",
	"מודיעין":   "Modiin",
	"רעננה":     "Raanana",
	"בת ים":     "Bat Yam",
	"אילת":      "Eilat",
}

// hebrewLetters is a rough romanisation per letter, enough for the search
// engine's fuzzy matching. Final forms map like their regular forms.
var hebrewLetters = map[rune]string{
	'א': "a", 'ב': "b", 'ג': "g", 'ד': "d", 'ה': "h", 'ו': "v", 'ז': "z",
	'ח': "ch", 'ט': "t", 'י': "i", 'כ': "k", 'ך': "k", 'ל': "l", 'מ': "m",
	'ם': "m", 'נ': "n", 'ן': "n", 'ס': "s", 'ע': "a", 'פ': "p", 'ף': "f",
	'צ': "tz", 'ץ': "tz", 'ק': "k", 'ר': "r", 'ש': "sh", 'ת': "t",
}

// transliterate rewrites Hebrew text into Latin script: known city names
// via the table, everything else letter by letter. Input without Hebrew
// comes back unchanged, which the caller uses to skip the extra attempt.
func transliterate(s string) string {
	out := s
	for heb, lat := range cityNames {
		out = strings.ReplaceAll(out, heb, lat)
	}
	if !containsHebrew(out) {
		return out
	}
	var b strings.Builder
	for _, r := range out {
		if lat, ok := hebrewLetters[r]; ok {
			b.WriteString(lat)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsHebrew(s string) bool {
	for _, r := range s {
		if r >= 0x0590 && r <= 0x05FF {
			return true
		}
	}
	return false
}
