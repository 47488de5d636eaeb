// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolmap writes perf map files: append-only text files mapping
// native code address ranges to human readable names, consumed by external
// sampling profilers and symbolizers.
//
// A single process-wide Map records methods and stubs as the execution
// engine compiles them. StaticImageMap produces one map per precompiled
// image during offline compilation. Both are best-effort diagnostic
// channels: no error from a logging call ever reaches the caller.
package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"

	"github.com/openprof/perfmap/config"
)

// signatureCacheSize bounds the per-path image signature cache. Processes
// rarely load more than a few hundred images.
const signatureCacheSize = 512

// MethodInfo resolves the display name of a compiled method. Implemented by
// the execution engine's method metadata.
type MethodInfo interface {
	// FullName returns the fully qualified method signature.
	FullName() (string, error)
}

// Image describes a loaded managed image. Implemented by the image loader,
// e.g. peimage.Info.
type Image interface {
	// Path is the file system path the image was loaded from.
	Path() string
	// Mvid returns the image's embedded metadata identifier.
	Mvid() ([16]byte, error)
}

// Map is the process-wide symbol map. The zero of *Map (nil) is a valid
// receiver for all logging methods and does nothing, so call sites do not
// need to check whether mapping is enabled.
type Map struct {
	file *mapFile
	info *infoFile

	// stubsMapped disambiguates otherwise identical stub labels. Strictly
	// increasing, never reset.
	stubsMapped atomic.Uint64

	// showTiers is fixed at initialization for the process lifetime.
	showTiers bool

	// signatures caches derived image signatures by path so repeated
	// loads of the same image skip the metadata walk.
	signatures *freelru.SyncedLRU[string, string]
}

// processMap is the single per-process instance, nil when mapping is
// disabled. Owned by Initialize/Teardown.
var processMap atomic.Pointer[Map]

// Initialize creates the process-wide map if the configuration enables it.
// Called once at engine startup, before any compilation happens. A repeated
// call keeps the existing instance and its file untouched.
func Initialize(cfg *config.Settings) {
	if !cfg.Enabled || processMap.Load() != nil {
		return
	}

	processMap.Store(newMap(os.Getpid(), cfg.ShowOptimizationTiers))

	if cfg.IgnoreSignal > 0 {
		// External profilers may deliver a sampling signal the process
		// does not handle.
		signal.Ignore(unix.Signal(cfg.IgnoreSignal))
	}
}

// Teardown destroys the process-wide map and releases its file handles.
// Called once at engine shutdown.
func Teardown() {
	if m := processMap.Swap(nil); m != nil {
		m.close()
	}
}

// Current returns the process-wide map, or nil when mapping is disabled.
func Current() *Map {
	return processMap.Load()
}

func hashPath(path string) uint32 {
	return uint32(xxh3.HashString(path))
}

func newSignatureCache() (*freelru.SyncedLRU[string, string], error) {
	return freelru.NewSynced[string, string](signatureCacheSize, hashPath)
}

func newMap(pid int, showTiers bool) *Map {
	m := &Map{showTiers: showTiers}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("perf-%d.map", pid))
	file, err := openMapFile(path)
	if err != nil {
		// Run disabled. The only observable symptom is the missing file.
		log.Debugf("Failed to open symbol map %s: %v", path, err)
	} else {
		m.file = file
	}

	m.info = newInfoFile(pid)

	cache, err := newSignatureCache()
	if err == nil {
		m.signatures = cache
	}
	return m
}

func (m *Map) close() {
	m.file.close()
	m.info.close()
}

// logMethod formats and appends one method record.
func (m *Map) logMethod(name string, codeAddr, codeSize uint64, tier string) {
	r := record{addr: codeAddr, size: codeSize, label: name, tier: tier}
	m.file.appendLine(r.format(0, m.showTiers))
}

// LogCompiledMethod records the native code range of a just-compiled method.
// codeAddr and codeSize describe the live code allocation; a zero address or
// size is a bug in the caller, not a runtime condition. Failures to resolve
// the method name drop the record silently.
func (m *Map) LogCompiledMethod(method MethodInfo, codeAddr, codeSize uint64, tier string) {
	if m == nil || m.file == nil || m.file.failed.Load() {
		return
	}

	name, err := method.FullName()
	if err != nil {
		return
	}
	m.logMethod(name, codeAddr, codeSize, tier)
}

// LogStubs records a range of generated code that is not a method body, such
// as a thunk or trampoline. The label is synthesized as
// "stub<N> <kind><owner>" with a per-process strictly increasing N. Empty
// kind or owner each default to "?".
func (m *Map) LogStubs(stubKind, stubOwner string, codeAddr, codeSize uint64) {
	if m == nil || m.file == nil || m.file.failed.Load() {
		return
	}

	if stubKind == "" {
		stubKind = "?"
	}
	if stubOwner == "" {
		stubOwner = "?"
	}
	n := m.stubsMapped.Add(1)
	label := "stub<" + strconv.FormatUint(n, 10) + "> " + stubKind + "<" + stubOwner + ">"
	m.logMethod(label, codeAddr, codeSize, "")
}

// LogImageLoad records a loaded image in the per-process info side file,
// tagged with its derived signature so offline maps can be matched back to
// the binary.
func (m *Map) LogImageLoad(img Image) {
	if m == nil || m.file == nil || m.file.failed.Load() {
		return
	}
	m.info.logImageLoad(img.Path(), m.imageSignature(img))
}

// imageSignature derives (and caches) the signature for img.
func (m *Map) imageSignature(img Image) string {
	path := img.Path()
	if m.signatures != nil {
		if sig, ok := m.signatures.Get(path); ok {
			return sig
		}
	}
	sig := ImageSignature(img)
	if m.signatures != nil {
		m.signatures.Add(path, sig)
	}
	return sig
}
