package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a unit failed. The set is closed.
type Kind int

const (
	KindDecode Kind = iota + 1
	KindClassification
	KindPersistence
	KindRelocation
	KindThumbnail
	KindVideo
	KindFilesystem
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindClassification:
		return "classification"
	case KindPersistence:
		return "persistence"
	case KindRelocation:
		return "relocation"
	case KindThumbnail:
		return "thumbnail"
	case KindVideo:
		return "video"
	case KindFilesystem:
		return "filesystem"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transient failures leave the import file untouched for the next cycle.
func (k Kind) Transient() bool {
	return k == KindClassification
}

type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failure for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err carries a transient pipeline failure.
func IsTransient(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind.Transient()
}

// KindOf returns the failure kind carried by err, or zero when there is none.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return 0
}
