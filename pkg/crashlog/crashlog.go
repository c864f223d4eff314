// Package crashlog copies crash reports off a device's
// com.apple.crashreportcopymobile AFC root to a local directory.
//
// The service speaks the same AFC framing as the main user-data AFC
// service (pkg/afc); only the root directory and the dial's escrow
// requirement differ, so this package is a thin orchestration layer
// over pkg/afc rather than a second protocol implementation.
package crashlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/iosmux/pkg/afc"
)

// ServiceName is the lockdown service crash log copying dials.
// device.Connect must be called with Options{UseEscrow: true} for
// this service.
const ServiceName = "com.apple.crashreportcopymobile"

const copyChunkSize = 4 * 1024 * 1024

// Options controls a Copy call.
type Options struct {
	// RemoveAfterCopy deletes each device-side file once it has been
	// copied successfully. Off by default: destructive, and crash
	// logs are small enough that leaving them in place costs little.
	RemoveAfterCopy bool
}

// Copy walks the crash-logs root over cl, copying every regular file
// into destDir (preserving the device-side relative path) and
// optionally removing device-side originals that copied cleanly. It
// returns the local paths written, in the same order afc.Walk
// returned them.
func Copy(ctx context.Context, cl *afc.Client, destDir string, opts Options) ([]string, error) {
	files, err := cl.Walk(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("crashlog: walk crash report root: %w", err)
	}

	written := make([]string, 0, len(files))
	for _, devicePath := range files {
		localPath := filepath.Join(destDir, filepath.FromSlash(strings.TrimPrefix(devicePath, "/")))
		if err := copyFile(cl, devicePath, localPath); err != nil {
			return written, fmt.Errorf("crashlog: copy %s: %w", devicePath, err)
		}
		written = append(written, localPath)

		if opts.RemoveAfterCopy {
			if err := cl.Remove(devicePath); err != nil {
				return written, fmt.Errorf("crashlog: remove %s after copy: %w", devicePath, err)
			}
		}
	}
	return written, nil
}

func copyFile(cl *afc.Client, devicePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	h, err := cl.Open(devicePath, afc.ModeRead)
	if err != nil {
		return fmt.Errorf("open device file: %w", err)
	}
	defer cl.Close(h)

	for {
		chunk, err := cl.Read(h, copyChunkSize)
		if err != nil {
			return fmt.Errorf("read device file: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("write local file: %w", err)
		}
		if len(chunk) < copyChunkSize {
			break
		}
	}
	return nil
}
