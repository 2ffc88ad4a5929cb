package pipeline

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/mozillazg/go-pinyin"
)

// polyphones lists, per ambiguous character, the words that select each
// reading. Readings use tone marks; neutral tone has none.
var polyphones = map[rune]map[string][]string{
	'重': {
		"zhòng": {"重要", "重点", "重量", "重大", "重视", "严重", "沉重", "厚重"},
		"chóng": {"重新", "重复", "重叠", "重来", "重做", "重逢", "重生"},
	},
	'中': {
		"zhōng": {"中国", "中心", "中间", "中午", "中央", "其中", "心中", "手中", "眼中", "梦中"},
		"zhòng": {"中毒", "中奖", "中计", "命中", "打中", "说中"},
	},
	'长': {
		"cháng": {"长短", "长度", "长久", "长远", "长期", "很长", "长长", "漫长", "长夜"},
		"zhǎng": {"成长", "长大", "长辈", "长老", "队长", "班长", "校长", "生长"},
	},
	'行': {
		"xíng": {"行走", "行动", "行为", "执行", "进行", "旅行", "前行", "不行", "行李"},
		"háng": {"银行", "行业", "行列", "同行", "内行", "外行", "排行"},
	},
	'好': {
		"hǎo": {"好人", "好事", "很好", "美好", "良好", "好看", "好听", "问好"},
		"hào": {"好奇", "好学", "爱好", "好客"},
	},
	'还': {
		"hái": {"还有", "还是", "还要", "还会", "还能", "还在", "还没"},
		"huán": {"还钱", "还债", "归还", "还原", "偿还", "交还"},
	},
	'为': {
		"wéi": {"成为", "作为", "认为", "以为", "为人"},
		"wèi": {"为了", "因为", "为什么", "为你", "为我", "为谁"},
	},
	'更': {
		"gèng": {"更加", "更好", "更多", "更大", "更远"},
		"gēng": {"更新", "更换", "变更", "三更", "五更", "打更"},
	},
	'看': {
		"kàn": {"看见", "看到", "观看", "好看", "看着", "回头看"},
		"kān": {"看守", "看护", "看门", "看家", "看管"},
	},
	'得': {
		"dé": {"得到", "获得", "得意", "心得", "难得", "值得"},
		"děi": {"得去", "不得不", "总得", "必得"},
		"de": {"跑得", "说得", "做得", "来得及", "看得见", "记得"},
	},
	'都': {
		"dōu": {"都是", "都有", "都在", "都能", "都会", "全都"},
		"dū": {"首都", "都市", "都城", "古都", "京都"},
	},
	'地': {
		"dì": {"土地", "地方", "地球", "大地", "天地", "当地", "各地"},
		"de": {"静静地", "慢慢地", "轻轻地", "默默地", "悄悄地"},
	},
	'着': {
		"zhe": {"走着", "说着", "拿着", "带着", "看着", "听着", "等着", "想着"},
		"zháo": {"着火", "着急", "着凉", "着迷", "睡着"},
		"zhuó": {"着手", "着力", "着想", "执着"},
	},
	'和': {
		"hé": {"和平", "和谐", "温和", "你和我", "和你"},
		"huò": {"和面", "搅和"},
	},
	'乐': {
		"lè": {"快乐", "欢乐", "乐观", "乐园"},
		"yuè": {"音乐", "乐曲", "乐队", "乐器"},
	},
}

var structureMarker = regexp.MustCompile(`^\s*\[[^\]]*\]\s*$`)

// Annotator marks ambiguous Chinese characters with their reading, as in
// 重(chóng)新, so the synthesis model pronounces them correctly.
type Annotator struct {
	args pinyin.Args
}

// NewAnnotator creates an annotator that writes tone-marked readings.
func NewAnnotator() *Annotator {
	a := pinyin.NewArgs()
	a.Style = pinyin.Tone
	return &Annotator{args: a}
}

// Annotate returns lyrics with every ambiguous character annotated. Section
// markers such as [Chorus] and characters already followed by a reading are
// left alone. The bool reports whether anything was annotated.
func (a *Annotator) Annotate(lyrics string) (string, bool) {
	lines := strings.Split(lyrics, "\n")
	changed := false
	for i, line := range lines {
		if strings.TrimSpace(line) == "" || structureMarker.MatchString(line) {
			continue
		}
		out, ok := a.annotateLine(line)
		if ok {
			lines[i] = out
			changed = true
		}
	}
	return strings.Join(lines, "\n"), changed
}

func (a *Annotator) annotateLine(line string) (string, bool) {
	runes := []rune(line)
	var b strings.Builder
	b.Grow(len(line) * 2)
	changed := false

	for i, r := range runes {
		b.WriteRune(r)
		if _, ok := polyphones[r]; !ok {
			continue
		}
		if i+1 < len(runes) && (runes[i+1] == '(' || runes[i+1] == '（') {
			continue
		}
		if reading := a.reading(runes, i); reading != "" {
			b.WriteString("(" + reading + ")")
			changed = true
		}
	}
	return b.String(), changed
}

// reading picks the reading of runes[i] from the longest context word that
// covers position i, falling back to the dictionary's most common reading.
func (a *Annotator) reading(runes []rune, i int) string {
	best, bestLen := "", 0
	candidates := polyphones[runes[i]]
	for _, reading := range slices.Sorted(maps.Keys(candidates)) {
		for _, w := range candidates[reading] {
			wr := []rune(w)
			if len(wr) <= bestLen {
				continue
			}
			if coversAt(runes, i, wr) {
				best, bestLen = reading, len(wr)
			}
		}
	}
	if best != "" {
		return best
	}
	if readings := pinyin.SinglePinyin(runes[i], a.args); len(readings) > 0 {
		return readings[0]
	}
	return ""
}

// coversAt reports whether word occurs in runes at an offset that includes i.
func coversAt(runes []rune, i int, word []rune) bool {
	for start := i - len(word) + 1; start <= i; start++ {
		if start < 0 || start+len(word) > len(runes) {
			continue
		}
		match := true
		for k, wr := range word {
			if runes[start+k] != wr {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
