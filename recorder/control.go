// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package recorder

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	startFile = "START"
	stopFile  = "STOP"
	quitFile  = "QUIT"
)

// controlPlane polls a well-known directory for the three existence-only
// signalling files described in spec.md §6. Contents are read once, for
// START only; STOP and QUIT are empty markers.
type controlPlane struct {
	dir string
}

func newControlPlane(dir string) controlPlane { return controlPlane{dir: dir} }

func (c controlPlane) path(name string) string { return filepath.Join(c.dir, name) }

// consumeStart reports whether a START file is present; if so it reads and
// returns the destination directory named on its one line, then deletes the
// file. Absence is benign (spec.md §7): it simply returns ok=false.
func (c controlPlane) consumeStart() (dir string, ok bool, err error) {
	path := c.path(startFile)
	data, statErr := os.ReadFile(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", false, nil
		}
		return "", false, statErr
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return "", false, rmErr
	}
	return strings.TrimSpace(string(data)), true, nil
}

// consumeStop reports whether a STOP file is present, deleting it if so.
func (c controlPlane) consumeStop() (bool, error) {
	return c.consumeMarker(stopFile)
}

// quitPresent reports whether a QUIT file is present, WITHOUT deleting it;
// per spec.md §4.2 the Recorder only reacts to QUIT, it never deletes it —
// the Supervisor clears it once every worker has had a chance to observe it
// (see controlPlane.removeStartStop and supervisor.scrubControlFiles).
func (c controlPlane) quitPresent() (bool, error) {
	_, err := os.Stat(c.path(quitFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (c controlPlane) consumeMarker(name string) (bool, error) {
	path := c.path(name)
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, rmErr
	}
	return true, nil
}

// removeStartStop deletes START and STOP, ignoring "not found". Called on
// teardown. QUIT is deliberately left alone here: the Supervisor is the one
// process-wide authority that clears it, once every worker has actually
// observed it and exited, so that a fast Recorder teardown can never delete
// QUIT out from under the Ingestor or Aggregator before they see it.
func (c controlPlane) removeStartStop() {
	for _, name := range []string{startFile, stopFile} {
		_ = os.Remove(c.path(name))
	}
}
