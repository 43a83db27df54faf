package ocr

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Preprocessor enhances images before local OCR. It shells out to
// ImageMagick; when the binary is missing or fails the original bytes are
// returned unchanged, so preprocessing can never sink a job.
type Preprocessor struct{}

func NewPreprocessor() *Preprocessor { return &Preprocessor{} }

// scratchPaths returns a per-call pair of temp file names. The pid plus a
// unique counter keeps concurrent enhancements in the worker pool from
// sharing files.
var scratchSeq atomic.Uint64

func scratchPaths() (string, string) {
	tmpDir := os.TempDir()
	stamp := fmt.Sprintf("%d_%d_%d", os.Getpid(), time.Now().UnixNano(), scratchSeq.Add(1))
	return filepath.Join(tmpDir, "pre_in_"+stamp+".png"),
		filepath.Join(tmpDir, "pre_out_"+stamp+".png")
}

// Enhance applies grayscale, normalization, light denoise and sharpening.
func (p *Preprocessor) Enhance(imageData []byte) []byte {
	inputFile, outputFile := scratchPaths()

	if err := os.WriteFile(inputFile, imageData, 0o644); err != nil {
		return imageData
	}
	defer os.Remove(inputFile)
	defer os.Remove(outputFile)

	args := []string{
		inputFile,
		"-resize", "2000x2000>",
		"-colorspace", "Gray",
		"-normalize",
		"-contrast-stretch", "2%x1%",
		"-despeckle",
		"-sharpen", "0x1",
		"-unsharp", "0x0.5+0.5+0",
		"-quality", "95",
		outputFile,
	}

	cmd := magickCommand(args)
	if cmd == nil {
		return imageData
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.WithFields(log.Fields{"err": err, "stderr": stderr.String()}).Debug("image preprocessing failed, using original")
		return imageData
	}

	processed, err := os.ReadFile(outputFile)
	if err != nil {
		return imageData
	}
	return processed
}

// magickCommand prefers ImageMagick 7's `magick`, falls back to `convert`,
// returns nil when neither is installed.
func magickCommand(args []string) *exec.Cmd {
	if _, err := exec.LookPath("magick"); err == nil {
		return exec.Command("magick", args...)
	}
	if _, err := exec.LookPath("convert"); err == nil {
		return exec.Command("convert", args...)
	}
	return nil
}
