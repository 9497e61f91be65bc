package main

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
)

// RankingSource tags how a ranking was extracted.
type RankingSource string

const (
	// RankingCanonical means the labels came from a FINAL RANKING block.
	RankingCanonical RankingSource = "canonical"
	// RankingBestEffort means no canonical block was usable and the
	// labels were scraped from the whole text in order of appearance.
	RankingBestEffort RankingSource = "best_effort"
	// RankingEmpty means no label references were found at all.
	RankingEmpty RankingSource = "empty"
)

// ParsedRanking is the structured-but-possibly-empty result of parsing
// free-form ranking text. An empty ordering is a valid outcome, never
// an error.
type ParsedRanking struct {
	Labels []string
	Source RankingSource
}

var (
	rankingMarker = regexp.MustCompile(`(?i)FINAL RANKING:`)

	// Enumerated entries: "1. Response A", "2) Response B",
	// "3: Response C", or bullet glyphs.
	enumeratedLabel = regexp.MustCompile(`(?:\d+\s*[.):]|[-*\x{2022}])\s*Response\s+([A-Z])\b`)

	labelPattern = regexp.MustCompile(`Response\s+([A-Z])\b`)
)

// ParseRankingFromText extracts the ranking from a model's response
// text. Looks for a "FINAL RANKING:" section and parses enumerated
// entries; falls back to scanning the whole text for label mentions.
func ParseRankingFromText(rankingText string) []string {
	return ParseRanking(rankingText).Labels
}

// ParseRanking runs the layered fallback chain: canonical block, then
// best-effort whole-text scan, then empty. Duplicate mentions of a
// label keep the first occurrence; oversized results are truncated to
// the label alphabet.
func ParseRanking(rankingText string) ParsedRanking {
	if loc := rankingMarker.FindStringIndex(rankingText); loc != nil {
		section := rankingText[loc[1]:]

		if labels := extractLabels(enumeratedLabel.FindAllStringSubmatch(section, -1)); len(labels) > 0 {
			return ParsedRanking{Labels: labels, Source: RankingCanonical}
		}

		// The block exists but isn't enumerated: take any label
		// references inside it, in order.
		if labels := extractLabels(labelPattern.FindAllStringSubmatch(section, -1)); len(labels) > 0 {
			return ParsedRanking{Labels: labels, Source: RankingCanonical}
		}
	}

	if labels := extractLabels(labelPattern.FindAllStringSubmatch(rankingText, -1)); len(labels) > 0 {
		return ParsedRanking{Labels: labels, Source: RankingBestEffort}
	}

	return ParsedRanking{Source: RankingEmpty}
}

// extractLabels normalizes submatches to "Response X", dropping
// duplicates (first occurrence wins) and anything past the label
// alphabet.
func extractLabels(matches [][]string) []string {
	var labels []string
	seen := make(map[string]bool)

	for _, m := range matches {
		label := "Response " + m[1]
		if seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}

	if len(labels) > maxLabels {
		log.Warn("ranking exceeds label alphabet, truncating",
			"got", len(labels), "max", maxLabels,
			"head", strings.Join(labels[:3], ", "))
		labels = labels[:maxLabels]
	}

	return labels
}
