package identity

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName composes Unicode (NFC), trims, and collapses whitespace runs
// to a single space.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

func fold(s string) string {
	return cases.Fold().String(s)
}

func foldedWords(name string) []string {
	return strings.Fields(fold(NormalizeName(name)))
}

func nameLen(s string) int {
	return utf8.RuneCountInString(s)
}

// HasNameDuplication reports whether a name repeats itself: equal halves,
// two identical consecutive words, or (from four words on) the first two
// words equal to the last two with an empty or identical middle.
func HasNameDuplication(name string) bool {
	words := foldedWords(name)
	n := len(words)
	if n < 2 {
		return false
	}

	mid := n / 2
	if first := strings.Join(words[:mid], " "); first != "" && first == strings.Join(words[mid:], " ") {
		return true
	}

	for i := 0; i < n-1; i++ {
		if words[i] == words[i+1] {
			return true
		}
	}

	if n >= 4 {
		firstTwo := strings.Join(words[:2], " ")
		if firstTwo == strings.Join(words[n-2:], " ") {
			middle := strings.Join(words[2:n-2], " ")
			if middle == "" || middle == firstTwo {
				return true
			}
		}
	}
	return false
}

// RemoveNameDuplication drops a word equal to the one before it, then keeps
// only the first half of the result when both halves, split at the middle
// character, match ignoring case. Word comparison is exact, so "Ana ana" is
// kept as is.
func RemoveNameDuplication(name string) string {
	words := strings.Fields(NormalizeName(name))
	if len(words) < 2 {
		return strings.Join(words, " ")
	}

	collapsed := words[:1]
	for _, w := range words[1:] {
		if w != collapsed[len(collapsed)-1] {
			collapsed = append(collapsed, w)
		}
	}

	result := []rune(strings.Join(collapsed, " "))
	mid := len(result) / 2
	first := strings.TrimSpace(string(result[:mid]))
	second := strings.TrimSpace(string(result[mid:]))
	if first != "" && fold(first) == fold(second) {
		return NormalizeName(first)
	}
	return string(result)
}

// WordSimilarity scores two words in [0,1]. A prefix relation scores the
// length ratio; otherwise positional mismatches plus the length difference
// are normalized by the longer length.
func WordSimilarity(a, b string) float64 {
	w1 := []rune(fold(a))
	w2 := []rune(fold(b))
	if string(w1) == string(w2) {
		return 1
	}
	if len(w1) == 0 || len(w2) == 0 {
		return 0
	}

	shorter, longer := len(w1), len(w2)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	if strings.HasPrefix(string(w1), string(w2)) || strings.HasPrefix(string(w2), string(w1)) {
		return float64(shorter) / float64(longer)
	}

	distance := longer - shorter
	for i := 0; i < shorter; i++ {
		if w1[i] != w2[i] {
			distance++
		}
	}
	return 1 - float64(distance)/float64(longer)
}

// IsAbbreviationOf reports whether every word of abbrev matches, in order, a
// word of full: a single-letter initial, a word similarity above 0.7, or a
// substring of at least two letters.
func IsAbbreviationOf(abbrev, full string) bool {
	aw := foldedWords(abbrev)
	fw := foldedWords(full)
	if len(aw) == 0 || len(aw) > len(fw) {
		return false
	}

	idx := 0
	for _, f := range fw {
		if idx == len(aw) {
			break
		}
		a := aw[idx]
		switch {
		case nameLen(a) == 1 && strings.HasPrefix(f, a):
			idx++
		case WordSimilarity(a, f) > 0.7:
			idx++
		case nameLen(a) >= 2 && strings.Contains(f, a):
			idx++
		}
	}
	return idx == len(aw)
}

// NamesSimilarity averages, over the words of a, the best WordSimilarity
// against any word of b, counting only matches above 0.5. It returns 0 unless
// at least half of a's words match.
func NamesSimilarity(a, b string) float64 {
	w1 := foldedWords(a)
	w2 := foldedWords(b)
	if len(w1) == 0 || len(w2) == 0 {
		return 0
	}

	var total float64
	matches := 0
	for _, x := range w1 {
		best := 0.0
		for _, y := range w2 {
			if s := WordSimilarity(x, y); s > best {
				best = s
			}
		}
		if best > 0.5 {
			total += best
			matches++
		}
	}
	if matches < (len(w1)+1)/2 {
		return 0
	}
	return total / float64(len(w1))
}

// ChooseBetterName picks the more complete, non-duplicated of two names. An
// empty string stands for no name. existing wins ties.
func ChooseBetterName(existing, incoming string) string {
	ex := NormalizeName(existing)
	in := NormalizeName(incoming)

	switch {
	case ex == "" && in == "":
		return ""
	case ex == "":
		return cleanSingle(in)
	case in == "":
		return cleanSingle(ex)
	}

	if fold(ex) == fold(in) {
		return ex
	}

	exDup, inDup := HasNameDuplication(ex), HasNameDuplication(in)
	switch {
	case exDup && !inDup:
		return in
	case inDup && !exDup:
		return ex
	case exDup && inDup:
		exClean, inClean := RemoveNameDuplication(ex), RemoveNameDuplication(in)
		if nameLen(inClean) > nameLen(exClean) {
			return inClean
		}
		return exClean
	}

	inAbbrev, exAbbrev := IsAbbreviationOf(in, ex), IsAbbreviationOf(ex, in)
	switch {
	case inAbbrev && !exAbbrev:
		return ex
	case exAbbrev && !inAbbrev:
		return in
	}

	// Both the fuzzy-similar and the unrelated case prefer the longer name.
	if nameLen(in) > nameLen(ex) {
		return in
	}
	return ex
}

func cleanSingle(name string) string {
	if HasNameDuplication(name) {
		return RemoveNameDuplication(name)
	}
	return name
}
