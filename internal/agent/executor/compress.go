package executor

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	apperrors "github.com/target/backup-coordinator/internal/errors"
)

const (
	gzipExt      = ".gz"
	partialExt   = ".part"
	copyChunkLen = 256 << 10
)

// Compress gzips src into src+".gz" and returns the new path. A level of zero selects the
// default compression. The output appears only once fully written.
func Compress(ctx context.Context, fs afero.Fs, src string, level int, deleteSource bool) (string, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return "", apperrors.ValidationField("compression_level", fmt.Sprintf("invalid gzip level %d", level))
	}
	dst := src + gzipExt
	err := transform(ctx, fs, src, dst, func(w io.Writer, r io.Reader) error {
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return err
		}
		if err := copyContext(ctx, zw, r); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return "", fmt.Errorf("compress %s: %w", src, err)
	}
	return dst, removeSource(fs, src, deleteSource)
}

// Decompress restores a ".gz" artifact next to itself and returns the restored path.
func Decompress(ctx context.Context, fs afero.Fs, src string, deleteSource bool) (string, error) {
	if !strings.HasSuffix(src, gzipExt) {
		return "", apperrors.Validationf("input %q is not a gzip artifact", src)
	}
	dst := strings.TrimSuffix(src, gzipExt)
	err := transform(ctx, fs, src, dst, func(w io.Writer, r io.Reader) error {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer func() { _ = zr.Close() }()
		return copyContext(ctx, w, zr)
	})
	if err != nil {
		return "", fmt.Errorf("decompress %s: %w", src, err)
	}
	return dst, removeSource(fs, src, deleteSource)
}

// transform streams src through fn into a partial file and renames it to dst on success.
func transform(ctx context.Context, fs afero.Fs, src, dst string, fn func(io.Writer, io.Reader) error) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + partialExt
	out, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if err := fn(out, in); err != nil {
		_ = out.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, dst)
}

func removeSource(fs afero.Fs, src string, remove bool) error {
	if !remove {
		return nil
	}
	if err := fs.Remove(src); err != nil {
		return fmt.Errorf("remove source %s: %w", src, err)
	}
	return nil
}

// copyContext copies in chunks and stops once ctx is done.
func copyContext(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, copyChunkLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
