package pipeline

import (
	"strings"

	"github.com/ashureev/songsync/internal/domain"
)

// GuidancePoint is one step of the synthesis guidance schedule.
type GuidancePoint struct {
	Position float64 `json:"position"`
	Scale    float64 `json:"scale"`
}

// style keys accept both the Chinese and English names users type.
var styleAliases = map[string]string{
	"说唱": "rap", "hip-hop": "rap", "hiphop": "rap", "rap": "rap",
	"流行": "pop", "pop": "pop",
	"摇滚": "rock", "rock": "rock",
	"民谣": "folk", "folk": "folk",
	"电子": "electronic", "electronic": "electronic", "edm": "electronic",
}

var stylePrompts = map[string]string{
	"rap":        "Rap, hip-hop, rhythmic, urban, strong beat",
	"pop":        "Pop, mainstream, catchy, melodic, contemporary",
	"rock":       "Rock, energetic, guitar-driven, powerful, dynamic",
	"folk":       "Folk, acoustic, natural, storytelling, gentle",
	"electronic": "Electronic, synthesized, digital, modern, pulsing",
}

var styleGuides = map[string]string{
	"rap":        "strong rhythm and clear rhymes, direct and punchy language",
	"pop":        "catchy and easy to sing, sincere emotion",
	"rock":       "powerful, passionate, lines with impact",
	"folk":       "plain and warm, tells a story close to everyday life",
	"electronic": "modern feel, bright tempo, a touch of the future",
}

var moodPrompts = map[string]string{
	"悲伤": "melancholic, sad, emotional, slow tempo",
	"愤怒": "angry, aggressive, intense, heavy",
	"快乐": "happy, upbeat, joyful, lively",
	"温柔": "gentle, soft, warm, tender",
	"激昂": "energetic, passionate, powerful, uplifting",
	"忧郁": "melancholic, moody, introspective, dark",
	"浪漫": "romantic, loving, intimate, sweet",
	"怀旧": "nostalgic, reminiscent, wistful, vintage",
	"励志": "inspiring, motivational, uplifting, hopeful",
	"平静": "calm, peaceful, serene, relaxed",
}

var requestKeywords = []struct {
	keywords []string
	prompt   string
}{
	{[]string{"吉他", "guitar"}, "guitar elements"},
	{[]string{"快节奏", "节奏快", "fast"}, "fast tempo"},
	{[]string{"慢节奏", "节奏慢", "slow"}, "slow tempo"},
	{[]string{"厚重", "深沉", "deep"}, "deep, rich"},
	{[]string{"清澈", "清晰", "clear"}, "clear, crisp"},
	{[]string{"和声", "harmony"}, "harmony, backing vocals"},
	{[]string{"电子", "synth"}, "electronic"},
}

var defaultSchedule = []GuidancePoint{
	{Position: 0.0, Scale: 10},
	{Position: 0.4, Scale: 16},
	{Position: 0.8, Scale: 12},
	{Position: 1.0, Scale: 8},
}

var styleSchedules = map[string][]GuidancePoint{
	"rap": {
		{Position: 0.0, Scale: 12},
		{Position: 0.3, Scale: 18},
		{Position: 0.7, Scale: 15},
		{Position: 1.0, Scale: 10},
	},
	"rock": {
		{Position: 0.0, Scale: 8},
		{Position: 0.2, Scale: 20},
		{Position: 0.8, Scale: 16},
		{Position: 1.0, Scale: 6},
	},
}

func canonicalStyle(style string) string {
	return styleAliases[strings.ToLower(strings.TrimSpace(style))]
}

func styleGuidance(style string) string {
	return styleGuides[canonicalStyle(style)]
}

// StylePrompt renders the English tag prompt the synthesis model expects.
func StylePrompt(req domain.UserRequirement, language string) string {
	parts := make([]string, 0, 6)

	if p, ok := stylePrompts[canonicalStyle(req.Style)]; ok {
		parts = append(parts, p)
	} else if req.Style != "" {
		parts = append(parts, req.Style)
	} else {
		parts = append(parts, stylePrompts["pop"])
	}

	var moods []string
	for _, m := range strings.FieldsFunc(req.Mood, func(r rune) bool { return r == ',' || r == '，' || r == '、' }) {
		m = strings.TrimSpace(m)
		if p, ok := moodPrompts[m]; ok {
			moods = append(moods, p)
		} else if m != "" && isASCII(m) {
			moods = append(moods, m)
		}
	}
	if len(moods) == 0 {
		moods = append(moods, "emotional")
	}
	parts = append(parts, strings.Join(moods, ", "))

	if IsChinese(firstNonEmpty(req.Language, language)) {
		parts = append(parts, "Chinese vocals")
	}
	parts = append(parts, "clear vocals")

	for _, r := range req.SpecificRequests {
		parts = append(parts, translateRequest(r))
	}
	return strings.Join(parts, ", ")
}

// GuidanceSchedule returns the guidance curve tuned for style.
func GuidanceSchedule(style string) []GuidancePoint {
	if s, ok := styleSchedules[canonicalStyle(style)]; ok {
		return s
	}
	return defaultSchedule
}

func translateRequest(r string) string {
	lower := strings.ToLower(r)
	for _, rk := range requestKeywords {
		for _, k := range rk.keywords {
			if strings.Contains(lower, k) {
				return rk.prompt
			}
		}
	}
	if isASCII(r) && r != "" {
		return r
	}
	return "expressive"
}

// IsChinese reports whether a language setting names Chinese.
func IsChinese(language string) bool {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "zh", "zh-cn", "zh-hans", "zh_cn", "chinese", "中文", "汉语", "普通话", "mandarin":
		return true
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
