package util

import (
	"slices"

	"github.com/bsv-blockchain/chainvalidator/errors"
)

// MedianTimeBlocks is the number of previous blocks used to calculate the median time past.
const MedianTimeBlocks = 11

// CalcPastMedianTime returns the median of up to MedianTimeBlocks timestamps. The slice is
// sorted in place.
//
// NOTE: The consensus rules incorrectly calculate the median for even numbers of blocks.
// A true median averages the middle two elements for a set with an even number of elements
// in it. Since the constant for the previous number of blocks to be used is odd, this is only
// an issue for a few blocks near the beginning of the chain.
func CalcPastMedianTime(timestamps []int64) (int64, error) {
	if len(timestamps) == 0 {
		return 0, errors.NewProcessingError("no timestamps for median time calculation")
	}

	if len(timestamps) > MedianTimeBlocks {
		return 0, errors.NewProcessingError("too many timestamps for median time calculation")
	}

	slices.Sort(timestamps)

	return timestamps[len(timestamps)/2], nil
}
