// Package rating 把 0-100 的评分映射为展示用的分级
package rating

// Category 分级
type Category string

const (
	CategoryStrong    Category = "strong"
	CategoryModerate  Category = "moderate"
	CategoryNeedsWork Category = "needs_work"
)

// Rating 分级结果
type Rating struct {
	Category  Category `json:"category"`
	ColorHint string   `json:"colorHint"`
	Label     string   `json:"label"`
	Headline  string   `json:"headline"`
}

const (
	strongAbove   = 69
	moderateAbove = 49
)

// Classify 分级，所有整数输入都有结果
func Classify(score int) Rating {
	switch {
	case score > strongAbove:
		return Rating{Category: CategoryStrong, ColorHint: "green", Label: "Strong", Headline: "Great Job!"}
	case score > moderateAbove:
		return Rating{Category: CategoryModerate, ColorHint: "amber", Label: "Good Start", Headline: "Good Effort!"}
	default:
		return Rating{Category: CategoryNeedsWork, ColorHint: "red", Label: "Needs Work", Headline: "Needs Improvement"}
	}
}
