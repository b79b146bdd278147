package sources

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/vitali-fedulov/imagehash2"
	"github.com/vitali-fedulov/images4"
)

const (
	// imagehash2 parameters for hash table pre-filtering
	hashNumBuckets = 4
	hashEpsilon    = 0.25
)

// ComputeImageHash returns the central perceptual hash of image data,
// used to spot near-duplicate assets across runs.
func ComputeImageHash(imageData []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}

	icon := images4.Icon(img)
	return imagehash2.CentralHash9(icon, hashEpsilon, hashNumBuckets), nil
}

// HashMatches checks whether image data hashes into the same bucket set
// as a known hash.
func HashMatches(imageData []byte, known uint64) (bool, error) {
	if known == 0 {
		return false, nil
	}
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return false, fmt.Errorf("decode image: %w", err)
	}
	icon := images4.Icon(img)
	for _, h := range imagehash2.HashSet9(icon, hashEpsilon, hashNumBuckets) {
		if h == known {
			return true, nil
		}
	}
	return false, nil
}
