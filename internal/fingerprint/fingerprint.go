package fingerprint

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"

	"tagmanager/internal/models"
)

// Compute returns the 8x8 average hash of img, most significant bit first.
func Compute(img image.Image) (models.Fingerprint, error) {
	var fp models.Fingerprint
	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		return fp, fmt.Errorf("average hash: %w", err)
	}
	binary.BigEndian.PutUint64(fp[:], hash.GetHash())
	return fp, nil
}

func FromBytes(b []byte) (models.Fingerprint, error) {
	var fp models.Fingerprint
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fingerprint must be %d bytes, got %d", len(fp), len(b))
	}
	copy(fp[:], b)
	return fp, nil
}
