package util

// SortForDifficultyAdjustment orders three blocks by timestamp with a sorting network, so
// the middle element is the median used by the cash work algorithm.
func SortForDifficultyAdjustment[T interface{ GetTime() uint32 }](s []T) {
	if s[0].GetTime() > s[2].GetTime() {
		s[0], s[2] = s[2], s[0]
	}

	if s[0].GetTime() > s[1].GetTime() {
		s[0], s[1] = s[1], s[0]
	}

	if s[1].GetTime() > s[2].GetTime() {
		s[1], s[2] = s[2], s[1]
	}
}
