package opibuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// compressImage compresses the raw image in the configured format and
// writes a sha256 sidecar over the compressed artifact, matching what
// `sha256sum` would print.
func compressImage(ctx context.Context, env *BuildEnv, imagePath string) *ErrorContext {
	format := env.Cfg.CompressFormat
	if format == "" {
		return checksumFile(imagePath)
	}

	outPath := imagePath + "." + format
	env.Log.Infof("", "compressing %s with %s", filepath.Base(imagePath), format)

	in, err := os.Open(imagePath)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot open %s: %v", imagePath, err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot stat %s: %v", imagePath, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot create %s: %v", outPath, err)
	}
	defer out.Close()

	var (
		w    io.WriteCloser
		werr error
	)
	switch format {
	case "xz":
		w, werr = xz.NewWriter(out)
	case "gz":
		gz := pgzip.NewWriter(out)
		werr = gz.SetConcurrency(1<<20, runtime.NumCPU())
		w = gz
	case "zst":
		w, werr = zstd.NewWriter(out,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(runtime.NumCPU()))
	default:
		return Errorf(ConfigurationError, "unsupported compression format %q", format)
	}
	if werr != nil {
		return Errorf(ResourceUnavailable, "cannot initialize %s writer: %v", format, werr)
	}

	bar := progressbar.DefaultBytes(fi.Size(), "compressing")
	_, err = io.Copy(io.MultiWriter(w, bar), contextReader{ctx, in})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return Errorf(Cancelled, "compression cancelled")
		}
		return Errorf(ResourceUnavailable, "compression failed: %v", err)
	}

	env.Log.Infof("", "compressed image written to %s", outPath)
	return checksumFile(outPath)
}

// checksumFile writes <path>.sha256 in sha256sum's two-column format.
func checksumFile(path string) *ErrorContext {
	f, err := os.Open(path)
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot open %s for checksum: %v", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Errorf(ResourceUnavailable, "checksum of %s failed: %v", path, err)
	}
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(h.Sum(nil)), filepath.Base(path))
	if err := os.WriteFile(path+".sha256", []byte(line), 0644); err != nil {
		return Errorf(ResourceUnavailable, "cannot write checksum sidecar: %v", err)
	}
	return nil
}

// contextReader aborts a long copy as soon as its context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
