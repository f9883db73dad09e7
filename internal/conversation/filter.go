package conversation

import (
	"regexp"
	"strings"
)

// 常见颜文字，长的放前面，避免被短的截断
var kaomojiReplacer = strings.NewReplacer(
	"~(｡・ω-)✧", "", "～(｡・ω-)✧", "", "(｡・ω-)✧", "",
	"(づ｡◕‿‿◕｡)づ", "", "(๑•̀ㅂ•́)و✧", "", "╮(╯▽╰)╭", "",
	"(ノ´▽`)ノ", "", "(っ´▽`)っ", "", "(●'◡'●)", "", "(✿◠‿◠)", "",
	"(*^▽^*)", "", "(〃▽〃)", "", "(｡･ω･｡)", "", "(・ω・)", "", "(・ω<)", "",
	"(≧▽≦)", "", "(╯▽╰)", "", "(◕‿◕)", "", "(≧∇≦)/", "", "(*≧ω≦)", "",
	"(✧ω✧)", "", "(◠‿◠)", "", "(｡♥‿♥｡)", "", "(灬ºωº灬)", "",
	"(^_^)", "", "(^-^)", "", "(^.^)", "",
)

var kaomojiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[（(][^()（）]*[・ω･ᴗ▽╥︿◕ಠ益‿][^()（）]*[)）]`),
	regexp.MustCompile(`[~～]\s*\([^)]+\)`),
	regexp.MustCompile(`\^[_\-.]+\^`),
	regexp.MustCompile(`>\s*_\s*<`),
	regexp.MustCompile(`=\s*[_.]\s*=`),
	regexp.MustCompile(`\b[oO][_.][oO]\b`),
	regexp.MustCompile(`\b[TtQq][_.][TtQq]\b`),
	regexp.MustCompile(`\b[xX][_.][xX]\b`),
}

var (
	// 西式表情 :) ;P，排除 10:30 这类时间
	emoticonPattern = regexp.MustCompile(`(^|[^\w])[;:]-?[)(\]\[DPpOo3]`)
	emojiPattern    = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{1F1E0}-\x{1F1FF}]\x{FE0F}?`)
	trailingFiller  = regexp.MustCompile(`[~～]+\s*$`)
	extraSpaces     = regexp.MustCompile(`\s{2,}`)
)

// FilterResponse strips kaomoji and emoticons, keeps at most one emoji and
// tidies trailing tildes and whitespace.
func FilterResponse(content string) string {
	out := kaomojiReplacer.Replace(content)
	for _, re := range kaomojiPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = emoticonPattern.ReplaceAllString(out, "$1")

	kept := false
	out = emojiPattern.ReplaceAllStringFunc(out, func(s string) string {
		if kept {
			return ""
		}
		kept = true
		return s
	})

	out = trailingFiller.ReplaceAllString(out, "")
	out = extraSpaces.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
