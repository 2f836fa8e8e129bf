package classify

import (
	"sort"
	"time"
)

// SiteUsage is a single domain's accumulated usage, the input to category
// aggregation.
type SiteUsage struct {
	Domain  string
	Elapsed time.Duration
}

// SiteTime is one ranked entry in a category's top-sites list.
type SiteTime struct {
	Domain  string        `json:"domain"`
	Elapsed time.Duration `json:"elapsed"`
}

// CategoryStats aggregates usage for a single category.
type CategoryStats struct {
	Category    Category      `json:"category"`
	DisplayName string        `json:"display_name"`
	Total       time.Duration `json:"total"`
	TopSites    []SiteTime    `json:"top_sites"`
}

// maxTopSites caps the per-category top-sites list.
const maxTopSites = 5

// Aggregate produces per-category totals and top sites from raw site usage.
// It is a read-only view over classification plus usage history.
func (c *Classifier) Aggregate(usage []SiteUsage) []CategoryStats {
	totals := make(map[Category]time.Duration)
	sites := make(map[Category]map[string]time.Duration)

	for _, entry := range usage {
		result := c.Classify(entry.Domain)
		totals[result.Category] += entry.Elapsed

		if sites[result.Category] == nil {
			sites[result.Category] = make(map[string]time.Duration)
		}
		sites[result.Category][Normalize(entry.Domain)] += entry.Elapsed
	}

	stats := make([]CategoryStats, 0, len(totals))
	for category, total := range totals {
		top := make([]SiteTime, 0, len(sites[category]))
		for domain, elapsed := range sites[category] {
			top = append(top, SiteTime{Domain: domain, Elapsed: elapsed})
		}
		sort.Slice(top, func(i, j int) bool {
			if top[i].Elapsed != top[j].Elapsed {
				return top[i].Elapsed > top[j].Elapsed
			}
			return top[i].Domain < top[j].Domain
		})
		if len(top) > maxTopSites {
			top = top[:maxTopSites]
		}

		stats = append(stats, CategoryStats{
			Category:    category,
			DisplayName: category.DisplayName(),
			Total:       total,
			TopSites:    top,
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Total != stats[j].Total {
			return stats[i].Total > stats[j].Total
		}
		return stats[i].Category < stats[j].Category
	})

	return stats
}
