package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

type ImageID int64

// Fingerprint is the 64-bit perceptual summary used as the dedup key.
type Fingerprint [8]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

type Rating int

const (
	RatingGeneral Rating = iota
	RatingSensitive
	RatingQuestionable
	RatingExplicit
)

var ratingNames = [...]string{"general", "sensitive", "questionable", "explicit"}

func (r Rating) String() string {
	if r < RatingGeneral || r > RatingExplicit {
		return fmt.Sprintf("rating(%d)", int(r))
	}
	return ratingNames[r]
}

func ParseRating(s string) (Rating, error) {
	for i, name := range ratingNames {
		if strings.EqualFold(s, name) {
			return Rating(i), nil
		}
	}
	return 0, fmt.Errorf("unknown rating %q", s)
}

func (r Rating) MarshalText() ([]byte, error) {
	if r < RatingGeneral || r > RatingExplicit {
		return nil, fmt.Errorf("invalid rating %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Rating) UnmarshalText(text []byte) error {
	parsed, err := ParseRating(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// TagSet is the classification result for one image.
type TagSet struct {
	Rating        Rating
	CharacterTags []string
	GeneralTags   []string
}

type Image struct {
	ID          ImageID
	Fingerprint Fingerprint
	Rating      Rating
	Thumbnail   bool
}
