package optimizer

import "strings"

// Category is a coarse classification of a medical question.
type Category string

const (
	CategorySymptom     Category = "症状"
	CategoryDisease     Category = "疾病"
	CategoryMedication  Category = "药物"
	CategoryExamination Category = "检查"
	CategoryEmergency   Category = "紧急"
)

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategorySymptom, []string{"发热", "发烧", "咳嗽", "头痛", "腹痛", "恶心", "呕吐", "腹泻", "乏力", "头晕"}},
	{CategoryDisease, []string{"感冒", "流感", "流行性感冒", "肺炎", "胃炎", "高血压", "糖尿病", "冠心病"}},
	{CategoryMedication, []string{"阿司匹林", "布洛芬", "对乙酰氨基酚", "抗生素", "降压药", "抗高血压药", "解热镇痛药"}},
	{CategoryExamination, []string{"血常规", "尿常规", "ct", "核磁共振", "b超", "x光"}},
	{CategoryEmergency, []string{"急救", "中毒", "骨折", "大出血", "休克", "昏迷", "胸痛", "抽搐", "呼吸困难", "意识不清"}},
}

// Classify returns the categories whose keywords occur in text, in a fixed
// order. The match is case-insensitive for latin abbreviations.
func Classify(text string) []Category {
	text = strings.ToLower(text)
	var categories []Category
	for _, rule := range categoryKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				categories = append(categories, rule.category)
				break
			}
		}
	}
	return categories
}

// IsEmergency reports whether categories contains CategoryEmergency.
func IsEmergency(categories []Category) bool {
	for _, c := range categories {
		if c == CategoryEmergency {
			return true
		}
	}
	return false
}
