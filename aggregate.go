package main

import (
	"math"
	"sort"
)

// CalculateAggregateRankings computes consensus rankings across all
// peer rankings: the mean 1-based position of each model within the
// rankings that mention it. A ranking that omits a model contributes no
// data point for it, and models mentioned nowhere are omitted from the
// result rather than assigned a worst-case score.
//
// Ordering is fully deterministic: average rank ascending, then
// rankings count descending (more corroborating votes wins a tie), then
// the configured model order.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labels *LabelMap, modelOrder []string) []AggregateRanking {
	modelPositions := make(map[string][]int)

	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			if modelName, ok := labels.Resolve(label); ok {
				modelPositions[modelName] = append(modelPositions[modelName], position+1)
			}
		}
	}

	orderIndex := make(map[string]int, len(modelOrder))
	for i, model := range modelOrder {
		orderIndex[model] = i
	}

	var aggregate []AggregateRanking
	for model, positions := range modelPositions {
		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		avgRank := float64(sum) / float64(len(positions))

		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avgRank*100) / 100,
			RankingsCount: len(positions),
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		a, b := aggregate[i], aggregate[j]
		if a.AverageRank != b.AverageRank {
			return a.AverageRank < b.AverageRank
		}
		if a.RankingsCount != b.RankingsCount {
			return a.RankingsCount > b.RankingsCount
		}
		ai, aOK := orderIndex[a.Model]
		bi, bOK := orderIndex[b.Model]
		if aOK && bOK {
			return ai < bi
		}
		if aOK != bOK {
			return aOK
		}
		return a.Model < b.Model
	})

	return aggregate
}
