// Package media decodes import files and writes the stored and thumbnail renditions.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"tagmanager/internal/media/sniffer"
)

var ErrUnsupported = errors.New("unsupported image format")

// Decode reads the whole file and decodes it according to its magic bytes.
// The file extension is ignored and no dimension limit is applied.
func Decode(path string) (image.Image, sniffer.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sniffer.Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeBytes(data)
}

func DecodeBytes(data []byte) (image.Image, sniffer.Result, error) {
	kind, err := sniffer.DetectHead(head(data))
	if err != nil {
		return nil, sniffer.Result{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if !kind.Decodable() {
		return nil, kind, fmt.Errorf("%w: %s", ErrUnsupported, kind.Type)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, kind, fmt.Errorf("decode %s: %w", kind.Type, err)
	}
	return img, kind, nil
}

func head(data []byte) []byte {
	if len(data) > 512 {
		return data[:512]
	}
	return data
}

// EncodePNG returns the lossless PNG encoding of img.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales img down to fit a size×size box, keeping the aspect ratio.
// Images already inside the box are returned unscaled.
func Thumbnail(img image.Image, size int) image.Image {
	return imaging.Fit(img, size, size, imaging.Lanczos)
}

// WriteJPEG encodes img at the given quality and installs it at dst atomically.
func WriteJPEG(dst string, img image.Image, quality int) error {
	return writeAtomic(dst, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	})
}

// WriteFile installs data at dst atomically.
func WriteFile(dst string, data []byte) error {
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(dst string, encode func(io.Writer) error) error {
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install %s: %w", dst, err)
	}
	return nil
}
