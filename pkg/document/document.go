// Package document owns the canonical document state: a single rich-text
// markup string that mutates only through diff/patch application, capped in
// size, and persisted as a plain UTF-8 file.
package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"

	"github.com/onepad/onepad/internal/protocol"
)

// DefaultContent seeds a fresh document when nothing exists on disk.
const DefaultContent = `<p>Welcome to your shared pad. Everyone connected to this server edits this same document.</p>`

// OversizeBanner replaces a stored document that exceeded the size cap.
const OversizeBanner = `<p>The stored document exceeded the size limit and could not be loaded. Starting over.</p>`

// ErrTooLarge reports a snapshot that exceeds the size cap.
var ErrTooLarge = errors.New("document size limit exceeded")

// Outcome classifies the result of one patch application.
type Outcome int

const (
	NoChange Outcome = iota // post-state equals current content
	Applied                 // content replaced
	Failed                  // at least one hunk did not apply
	Rejected                // post-state would exceed the size cap
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	default:
		return "no_change"
	}
}

// Result reports the outcome of one patch application.
type Result struct {
	Outcome Outcome
	Bytes   int    // document size after an Applied outcome
	Reason  string // set for Failed and Rejected
}

// Store is the authoritative document state machine. Mutations are serialized
// by the lock, which is never held across disk I/O.
type Store struct {
	path     string
	maxBytes int
	dmp      *diffmatchpatch.DiffMatchPatch

	mu      sync.RWMutex
	content string
	dirty   bool

	saving atomic.Bool // gates re-entrant saves
}

// New creates a store persisting to path with a size cap of maxBytes.
func New(path string, maxBytes int) *Store {
	return &Store{
		path:     path,
		maxBytes: maxBytes,
		dmp:      diffmatchpatch.New(),
		content:  DefaultContent,
	}
}

// Load reads the persisted file. A missing file seeds the default content and
// writes it back synchronously; an oversize file is replaced in memory by a
// banner, which Load then attempts to write back over the stored file.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.WithField("path", s.path).Info("no document on disk, starting fresh")
		s.setContent(DefaultContent, true)
		if err := s.SaveSync(); err != nil {
			return fmt.Errorf("failed to write initial document: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	if len(data) > s.maxBytes {
		log.WithFields(log.Fields{
			"path":  s.path,
			"bytes": len(data),
			"max":   s.maxBytes,
		}).Warn("stored document exceeds size cap, replacing with banner")
		s.setContent(OversizeBanner, true)
		if err := s.SaveSync(); err != nil {
			log.WithField("err", err).Warn("failed to overwrite oversize document")
		}
		return nil
	}

	s.setContent(string(data), false)
	log.WithFields(log.Fields{"path": s.path, "bytes": len(data)}).Info("document loaded")
	return nil
}

// Apply computes the post-state of ps against the current content and commits
// it when every hunk applies cleanly and the result fits the size cap. State
// is never partially updated: either the whole post-state replaces the
// content, or nothing changes.
func (s *Store) Apply(ps protocol.PatchSet) Result {
	patches, err := s.dmp.PatchFromText(ps.Text())
	if err != nil {
		log.WithField("err", err).Debug("patch rejected by diff engine")
		return Result{Outcome: Failed, Reason: "patch apply failed"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, applied := s.dmp.PatchApply(patches, s.content)
	for _, ok := range applied {
		if !ok {
			return Result{Outcome: Failed, Reason: "patch apply failed"}
		}
	}

	// Size is measured in UTF-8 bytes.
	if len(next) > s.maxBytes {
		return Result{Outcome: Rejected, Reason: "document size limit exceeded"}
	}
	if next == s.content {
		return Result{Outcome: NoChange}
	}

	s.content = next
	s.dirty = true
	return Result{Outcome: Applied, Bytes: len(next)}
}

// Snapshot returns the current content.
func (s *Store) Snapshot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// Dirty reports whether the content changed since the last successful save.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Path returns the persisted file path.
func (s *Store) Path() string {
	return s.path
}

// SaveSync writes the current content to disk and blocks until done. An
// in-flight save suppresses re-entry; suppressed calls return nil.
func (s *Store) SaveSync() error {
	if !s.saving.CompareAndSwap(false, true) {
		return nil
	}
	defer s.saving.Store(false)

	snapshot := s.Snapshot()
	if len(snapshot) > s.maxBytes {
		return fmt.Errorf("refusing to persist %d bytes: %w", len(snapshot), ErrTooLarge)
	}

	if err := writeFileAtomic(s.path, []byte(snapshot)); err != nil {
		return err
	}

	// Only clear the dirty flag if nothing changed while writing.
	s.mu.Lock()
	if s.content == snapshot {
		s.dirty = false
	}
	s.mu.Unlock()

	log.WithFields(log.Fields{"path": s.path, "bytes": len(snapshot)}).Debug("document saved")
	return nil
}

func (s *Store) setContent(content string, dirty bool) {
	s.mu.Lock()
	s.content = content
	s.dirty = dirty
	s.mu.Unlock()
}

// writeFileAtomic writes data to a temporary sibling of path and renames it
// into place. The rename is the only step that mutates the durable path; any
// failure unlinks the temp file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s over %s: %w", tmp, path, err)
	}
	return nil
}
