package classify

// Category is a classification bucket for a domain.
type Category string

const (
	CategoryGaming        Category = "gaming"
	CategoryVideo         Category = "video"
	CategorySocial        Category = "social"
	CategoryEducation     Category = "education"
	CategoryNews          Category = "news"
	CategoryShopping      Category = "shopping"
	CategoryCommunication Category = "communication"
	CategoryAdult         Category = "adult"
	CategoryOther         Category = "other"
)

// displayNames maps categories to human-readable names used in warnings and
// the API surface.
var displayNames = map[Category]string{
	CategoryGaming:        "Gaming",
	CategoryVideo:         "Video & Streaming",
	CategorySocial:        "Social Media",
	CategoryEducation:     "Education",
	CategoryNews:          "News",
	CategoryShopping:      "Shopping",
	CategoryCommunication: "Communication",
	CategoryAdult:         "Adult Content",
	CategoryOther:         "Other",
}

// restrictedCategories are always flagged restricted in results, regardless of
// any quota configuration.
var restrictedCategories = map[Category]bool{
	CategoryAdult: true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := displayNames[c]
	return ok
}

// DisplayName returns the human-readable name for the category.
func (c Category) DisplayName() string {
	if name, ok := displayNames[c]; ok {
		return name
	}
	return string(c)
}

// Result is the outcome of classifying a single domain.
type Result struct {
	Category    Category `json:"category"`
	DisplayName string   `json:"display_name"`
	Confidence  float64  `json:"confidence"` // 0.0 to 1.0
	Restricted  bool     `json:"restricted"`
}

func resultFor(category Category, confidence float64) Result {
	return Result{
		Category:    category,
		DisplayName: category.DisplayName(),
		Confidence:  confidence,
		Restricted:  restrictedCategories[category],
	}
}
