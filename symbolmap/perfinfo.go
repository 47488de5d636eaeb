// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// infoDelimiter separates the fields of an info side file record.
const infoDelimiter = ";"

// infoFile is the per-process image metadata side channel, written next to
// the main map as perfinfo-<pid>.map. It records which images were loaded
// and under which signature, one event per line:
//
//	<event>;<field>;...;<fieldN>;
type infoFile struct {
	file *mapFile
}

func newInfoFile(pid int) *infoFile {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("perfinfo-%d.map", pid))
	file, err := openMapFile(path)
	if err != nil {
		log.Debugf("Failed to open info file %s: %v", path, err)
		return &infoFile{}
	}
	return &infoFile{file: file}
}

// logImageLoad appends one ImageLoad event for the image at path with its
// derived signature.
func (p *infoFile) logImageLoad(path, signature string) {
	if p == nil || p.file == nil {
		return
	}
	p.logEvent("ImageLoad", path+infoDelimiter+signature)
}

func (p *infoFile) logEvent(event, value string) {
	p.file.appendLine(event + infoDelimiter + value + infoDelimiter + "\n")
}

func (p *infoFile) close() {
	if p == nil {
		return
	}
	p.file.close()
}
