package campaign

import "strconv"

// Presets returns the built-in campaigns covering the common UK lead
// generation scenarios: technology hubs, London business services and broad
// regional coverage.
func Presets() []Campaign {
	return []Campaign{
		{
			Name:          "uk-tech-cities",
			MaxConcurrent: 2,
			Tasks: []TaskSpec{
				directorySearch("london-tech", "London", "Technology", 100, PriorityHigh),
				directorySearch("manchester-tech", "Manchester", "Technology", 50, PriorityHigh),
				directorySearch("birmingham-tech", "Birmingham", "Technology", 50, PriorityHigh),
				directorySearch("leeds-tech", "Leeds", "Technology", 30, PriorityMedium),
				directorySearch("glasgow-tech", "Glasgow", "Technology", 30, PriorityMedium),
			},
		},
		{
			Name:          "london-business-services",
			MaxConcurrent: 2,
			Tasks: []TaskSpec{
				directorySearch("london-consulting", "London", "Consulting", 50, PriorityHigh),
				directorySearch("london-marketing", "London", "Marketing", 50, PriorityHigh),
				directorySearch("london-finance", "London", "Finance", 50, PriorityMedium),
			},
		},
		{
			Name:          "uk-regional-coverage",
			MaxConcurrent: 2,
			Tasks: []TaskSpec{
				directorySearch("bristol-all", "Bristol", "", 30, PriorityMedium),
				directorySearch("edinburgh-all", "Edinburgh", "", 30, PriorityMedium),
				directorySearch("cardiff-all", "Cardiff", "", 30, PriorityLow),
				directorySearch("belfast-all", "Belfast", "", 30, PriorityLow),
			},
		},
	}
}

func directorySearch(id, location, sector string, limit int, priority int) TaskSpec {
	params := map[string]string{
		"location": location,
		"limit":    strconv.Itoa(limit),
	}
	if sector != "" {
		params["sector"] = sector
	}
	return TaskSpec{
		ID:       id,
		Type:     "directory_search",
		Params:   params,
		Priority: priority,
	}
}
