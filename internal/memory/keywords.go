package memory

import (
	"sort"
	"strings"
	"unicode"
)

const maxKeywords = 5

// 单字停用词，出现时作为切分点。
var stopRunes = map[rune]bool{
	'的': true, '了': true, '吗': true, '呢': true, '吧': true, '啊': true,
	'我': true, '你': true, '他': true, '她': true, '是': true, '在': true,
	'很': true, '也': true, '都': true, '就': true, '和': true, '有': true,
	'不': true, '这': true, '那': true, '个': true, '着': true, '过': true,
}

// 高频但没有区分度的词，切分前先替换成空格。
var stopPhrases = strings.NewReplacer(
	"用户", " ", "自己", " ", "一个", " ", "什么", " ", "非常", " ",
	"比较", " ", "特别", " ", "喜欢", " ", "讨厌", " ", "觉得", " ",
)

// extractKeywords returns up to five keywords of text, ranked by frequency
// and then by first occurrence. ASCII words are lowercased; CJK runs longer
// than two characters are split into bigrams.
func extractKeywords(text string) []string {
	counts := map[string]int{}
	first := map[string]int{}
	order := 0
	add := func(tok string) {
		if _, seen := first[tok]; !seen {
			first[tok] = order
			order++
		}
		counts[tok]++
	}

	for _, segment := range segments(stopPhrases.Replace(text)) {
		if isASCIIWord(segment) {
			if len(segment) >= 2 {
				add(strings.ToLower(segment))
			}
			continue
		}
		runes := []rune(segment)
		if len(runes) <= 2 {
			add(segment)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			add(string(runes[i : i+2]))
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return first[keys[i]] < first[keys[j]]
	})
	if len(keys) > maxKeywords {
		keys = keys[:maxKeywords]
	}
	return keys
}

// segments 按空白、标点和停用字切分，并把 ASCII 与 CJK 分开。
func segments(text string) []string {
	var (
		out     []string
		current []rune
		ascii   bool
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, string(current))
			current = current[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) || stopRunes[r]:
			flush()
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if !ascii {
				flush()
			}
			ascii = true
			current = append(current, r)
		default:
			if ascii {
				flush()
			}
			ascii = false
			current = append(current, r)
		}
	}
	flush()
	return out
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r >= unicode.MaxASCII {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}
