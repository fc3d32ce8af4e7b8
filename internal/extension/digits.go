package extension

import "strings"

var spokenDigits = map[string]byte{
	"zero": '0', "oh": '0', "o": '0',
	"one": '1', "won": '1',
	"two": '2', "to": '2', "too": '2',
	"three": '3',
	"four":  '4', "for": '4',
	"five":  '5',
	"six":   '6',
	"seven": '7',
	"eight": '8', "ate": '8',
	"nine": '9',
}

// NormalizeDigits turns a speech recognition result into a digit string.
// Digits are kept, spoken digit words are converted and every other word
// is skipped: "extension one two 3" becomes "123".
func NormalizeDigits(speech string) string {
	var b strings.Builder
	for _, word := range strings.FieldsFunc(strings.ToLower(speech), func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '-'
	}) {
		if d, ok := spokenDigits[word]; ok {
			b.WriteByte(d)
			continue
		}
		for _, r := range word {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
