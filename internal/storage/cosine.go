package storage

import "math"

// CosineSimilarity computes the cosine similarity of two vectors in
// [-1, 1]. Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	score := dot / math.Sqrt(normA*normB)
	// Guard against float rounding pushing a self-comparison past 1.
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score
}
