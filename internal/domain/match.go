package domain

// MatchTopK is the number of neighbours requested for every duplicate or keyword decision.
// Only the rank-1 result is ever consulted.
const MatchTopK = 1

// DefaultMatchThreshold is the similarity at or above which two embeddings are the same entity.
const DefaultMatchThreshold float32 = 0.95

// Match is one ranked result from a vector index query.
type Match struct {
	Similarity float32 `json:"similarity"`
	PayloadID  uint    `json:"payload_id"`
}

// TopMatch applies the rank-1 policy to a ranked result list.
// Parameters:
//   - matches: results ordered by descending similarity; may be empty.
//   - threshold: inclusive similarity bound.
//
// Returns:
//   - Match: the top result when it qualifies.
//   - bool: true when the top result's similarity is >= threshold.
func TopMatch(matches []Match, threshold float32) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	top := matches[0]
	return top, top.Similarity >= threshold
}
