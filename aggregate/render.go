// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aggregate

import (
	"os/exec"

	"github.com/pkg/errors"
)

// bin2pngPath is the external renderer binary name. It is resolved via
// PATH at call time, consistent with spec.md §6's "side-process
// Bin2PNG <img-path> <png-path>" description.
const bin2pngPath = "Bin2PNG"

// Bin2PNG is the default Renderer: it runs the external image-to-PNG
// converter as a detached child process. No command-execution library
// appears anywhere in the retrieved corpus, so this uses os/exec directly
// (see DESIGN.md).
func Bin2PNG(imgPath, pngPath string) error {
	return ExternalRenderer(bin2pngPath)(imgPath, pngPath)
}

// ExternalRenderer builds a Renderer around an arbitrary external binary,
// for operators who deploy a converter under a different name or path than
// the default "Bin2PNG" lookup.
func ExternalRenderer(bin string) Renderer {
	return func(imgPath, pngPath string) error {
		cmd := exec.Command(bin, imgPath, pngPath)
		if err := cmd.Start(); err != nil {
			return errors.Wrapf(err, "start %s", bin)
		}
		// Fire-and-forget: spec.md only requires the renderer be invoked
		// asynchronously per flushed second, not awaited. Reap it in the
		// background so it does not become a zombie process.
		go func() {
			_ = cmd.Wait()
		}()
		return nil
	}
}
