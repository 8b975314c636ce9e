package pipeline

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// moveFile moves src to dst and never overwrites an existing dst. Same
// filesystem moves link then unlink, so an existing dst fails the link
// itself; cross-device moves copy into an exclusively created file.
func moveFile(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			os.Remove(dst)
			return fmt.Errorf("move %s: %w", src, err)
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("move %s: destination %s exists: %w", src, dst, err)
	case errors.Is(err, fs.ErrNotExist):
		return err
	case errors.Is(err, syscall.EXDEV), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.ENOTSUP):
		// No hard links across devices or on this filesystem.
		return copyAndRemove(src, dst)
	default:
		return err
	}
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	in.Close()
	return os.Remove(src)
}
