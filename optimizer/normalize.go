package optimizer

import (
	"strings"

	"github.com/poiesic/medrag/core"
)

type synonym struct {
	colloquial string
	clinical   string
}

// synonyms maps colloquial wording to the terms used by the knowledge base.
// Order matters: longer phrases come before their substrings.
var synonyms = []synonym{
	{"脑袋疼", "头痛"},
	{"脑袋痛", "头痛"},
	{"头疼", "头痛"},
	{"发烧", "发热"},
	{"高烧", "发热"},
	{"低烧", "低热"},
	{"肚子疼", "腹痛"},
	{"肚子痛", "腹痛"},
	{"胃疼", "胃痛"},
	{"拉肚子", "腹泻"},
	{"拉稀", "腹泻"},
	{"恶心想吐", "恶心 呕吐"},
	{"想吐", "恶心"},
	{"浑身没劲", "乏力"},
	{"没力气", "乏力"},
	{"流感", "流行性感冒"},
	{"消炎药", "抗生素"},
	{"退烧药", "解热镇痛药"},
	{"止痛药", "镇痛药"},
	{"降压药", "抗高血压药"},
}

// symptomTerms is the clinical symptom vocabulary recognised by ExtractSymptoms.
var symptomTerms = []string{
	"发热", "低热", "咳嗽", "咳痰", "头痛", "头晕", "腹痛", "胃痛", "恶心", "呕吐",
	"腹泻", "便秘", "乏力", "胸痛", "胸闷", "心悸", "呼吸困难", "气短", "咽痛", "流涕",
	"鼻塞", "皮疹", "瘙痒", "水肿", "失眠", "关节痛", "腰痛", "尿频", "尿痛", "出血",
}

const trimPunct = " \t\r\n?？!！。.,，;；:：~～"

// Normalize maps colloquial terms to clinical ones, collapses whitespace
// and trims surrounding punctuation. It is deterministic and idempotent.
func Normalize(text string) string {
	text = Canonical(text)
	if text == "" {
		return text
	}
	for _, s := range synonyms {
		if strings.Contains(text, s.colloquial) {
			text = strings.ReplaceAll(text, s.colloquial, s.clinical)
		}
	}
	return Canonical(text)
}

// Canonical collapses whitespace, lowercases latin letters and trims
// surrounding punctuation without rewriting any terms.
func Canonical(text string) string {
	return strings.ToLower(strings.Trim(core.CleanText(text), trimPunct))
}

// ExtractSymptoms returns the clinical symptom terms mentioned in text, in
// order of first appearance. Colloquial wording is recognised as well.
func ExtractSymptoms(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	type hit struct {
		term string
		pos  int
	}
	var hits []hit
	for _, term := range symptomTerms {
		if pos := strings.Index(text, term); pos >= 0 {
			hits = append(hits, hit{term: term, pos: pos})
		}
	}

	// insertion sort keeps equal positions in vocabulary order
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	terms := make([]string, len(hits))
	for i, h := range hits {
		terms[i] = h.term
	}
	return terms
}
