// Package trace writes write-once, checksummed JSON audit records for AI decisions and review actions.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/creditlock/pkg/canonicalize"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

const (
	// ChecksumField holds the sha256 of the record without this field.
	ChecksumField = "checksum_sha256"
	// MaxAttempts bounds fresh file names tried before a collision error.
	MaxAttempts = 5

	maxEntityLen = 64
	stagePrefix  = ".staging-"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Logger writes trace files into one directory. Files are created exclusively and never rewritten.
type Logger struct {
	dir    string
	clock  func() time.Time
	suffix func() string
}

// NewLogger creates dir if needed.
func NewLogger(dir string) (*Logger, error) {
	if dir == "" {
		return nil, errors.New("trace: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", dir, err)
	}
	return &Logger{
		dir:   dir,
		clock: time.Now,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}, nil
}

// WithClock overrides clock for testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// WithSuffix overrides the random name suffix for testing.
func (l *Logger) WithSuffix(suffix func() string) *Logger {
	l.suffix = suffix
	return l
}

func (l *Logger) Dir() string { return l.dir }

// SanitizeEntity maps an entity id to a safe file name fragment.
func SanitizeEntity(entityID string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(entityID), "_")
	if len(s) > maxEntityLen {
		s = s[:maxEntityLen]
	}
	if s == "" {
		return "unknown"
	}
	return s
}

func (l *Logger) name(entityID string) string {
	now := l.clock().UTC()
	return fmt.Sprintf("trace_%s_%s%06dZ_%s.json",
		SanitizeEntity(entityID), now.Format("20060102T150405"), now.Nanosecond()/1000, l.suffix())
}

// Checksum returns the sha256 of the canonical record with the checksum field removed.
func Checksum(record map[string]any) (string, error) {
	body := make(map[string]any, len(record))
	for k, v := range record {
		if k != ChecksumField {
			body[k] = v
		}
	}
	canon, err := canonicalize.JCS(body)
	if err != nil {
		return "", fmt.Errorf("trace: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Write stores record for entityID and returns the file name, which is the trace handle.
// The caller's map is not modified.
func (l *Logger) Write(entityID string, record map[string]any) (string, error) {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	sum, err := Checksum(out)
	if err != nil {
		return "", err
	}
	out[ChecksumField] = sum
	data, err := canonicalize.JCS(out)
	if err != nil {
		return "", fmt.Errorf("trace: canonicalize: %w", err)
	}

	staged, err := stage(l.dir, data)
	if err != nil {
		return "", fmt.Errorf("trace: stage: %w", err)
	}
	defer func() { _ = os.Remove(staged) }()

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		handle := l.name(entityID)
		// A hard link fails if the name exists, so a handle only ever points at complete content.
		err := os.Link(staged, filepath.Join(l.dir, handle))
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("trace: write %s: %w", handle, err)
		}
		lastErr = err
	}
	return "", fault.Collision(MaxAttempts, lastErr)
}

// syncFile is replaced in tests.
var syncFile = (*os.File).Sync

// stage writes data to a read-only temporary file in dir and returns its path.
// The file is removed on any failure.
func stage(dir string, data []byte) (_ string, err error) {
	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return "", err
	}
	if err = syncFile(f); err != nil {
		return "", err
	}
	if err = f.Chmod(0o444); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return tmp, nil
}

func (l *Logger) path(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) || !strings.HasPrefix(handle, "trace_") {
		return "", fault.Validation("invalid trace handle %q", handle)
	}
	return filepath.Join(l.dir, handle), nil
}

// Read loads a trace record.
func (l *Logger) Read(handle string) (map[string]any, error) {
	p, err := l.path(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.NotFound("trace %s not found", handle)
	}
	if err != nil {
		return nil, fmt.Errorf("trace: read %s: %w", handle, err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Validation("trace %s is not a JSON object", handle)
	}
	return rec, nil
}

// Verification is the result of Verify.
type Verification struct {
	Handle   string `json:"handle"`
	Valid    bool   `json:"valid"`
	Stored   string `json:"stored_checksum"`
	Computed string `json:"computed_checksum"`
}

// Verify recomputes the checksum of a stored trace.
func (l *Logger) Verify(handle string) (Verification, error) {
	rec, err := l.Read(handle)
	if err != nil {
		return Verification{}, err
	}
	stored, _ := rec[ChecksumField].(string)
	computed, err := Checksum(rec)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		Handle:   handle,
		Valid:    stored != "" && stored == computed,
		Stored:   stored,
		Computed: computed,
	}, nil
}

// Freeze writes a legal-hold copy of a trace and returns the new handle. The original file is untouched.
func (l *Logger) Freeze(handle, reason, by string) (string, error) {
	rec, err := l.Read(handle)
	if err != nil {
		return "", err
	}
	delete(rec, ChecksumField)
	rec["legal_hold"] = true
	rec["legal_hold_reason"] = reason
	rec["legal_hold_by"] = by
	rec["legal_hold_at"] = l.clock().UTC().Format(time.RFC3339Nano)
	rec["frozen_from"] = handle

	entity, _ := rec["entity_id"].(string)
	return l.Write(entity, rec)
}
