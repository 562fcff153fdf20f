// Package snapshot persists the metadata store between runs.
//
// A snapshot is a zstd-compressed blob of Core Deterministic CBOR holding
// every FileRecord (with trimmed history) and every AgentActivity. The
// same store contents always encode to the same bytes for a given
// timestamp. Snapshots are best effort: a corrupt or missing blob means
// starting empty, never failing startup.
package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/errors"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

const (
	// Version is the current snapshot format.
	Version = 1

	// FileName is the snapshot's name inside the workspace root.
	FileName = ".workspace_state"

	// DefaultHistoryRetained is how many history entries per record a
	// snapshot keeps.
	DefaultHistoryRetained = 10

	maxDecodedSize = 1 << 30
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// State implements encoding.TextMarshaler; store it by name so a
	// reordered enum cannot silently change restored states.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: 1 << 22,
		MaxMapPairs:      1 << 22,
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// State is a decoded snapshot.
type State struct {
	Version int
	TakenAt time.Time
	Files   []metadata.FileRecord
	Agents  []metadata.AgentActivity
}

// document is the wire form. Field numbers are part of the format.
type document struct {
	Version int          `cbor:"1,keyasint"`
	TakenAt time.Time    `cbor:"2,keyasint"`
	Files   []fileEntry  `cbor:"3,keyasint"`
	Agents  []agentEntry `cbor:"4,keyasint,omitempty"`
}

type fileEntry struct {
	Path             string         `cbor:"1,keyasint"`
	State            metadata.State `cbor:"2,keyasint"`
	LockedBy         string         `cbor:"3,keyasint,omitempty"`
	Readers          []string       `cbor:"4,keyasint,omitempty"`
	LastModified     time.Time      `cbor:"5,keyasint"`
	Checksum         string         `cbor:"6,keyasint,omitempty"`
	ExpectedChecksum string         `cbor:"7,keyasint,omitempty"`
	WriteRegistered  bool           `cbor:"8,keyasint,omitempty"`
	History          []audit.Event  `cbor:"9,keyasint,omitempty"`
}

type agentEntry struct {
	Agent        string    `cbor:"1,keyasint"`
	LastActive   time.Time `cbor:"2,keyasint"`
	CurrentFiles []string  `cbor:"3,keyasint,omitempty"`
}

// EncodeOption configures Encode.
type EncodeOption func(*encodeConfig)

type encodeConfig struct {
	agents          []metadata.AgentActivity
	historyRetained int
}

// WithAgents includes agent activity in the snapshot.
func WithAgents(agents []metadata.AgentActivity) EncodeOption {
	return func(c *encodeConfig) {
		c.agents = agents
	}
}

// WithHistoryRetained sets how many history entries per record are kept.
func WithHistoryRetained(n int) EncodeOption {
	return func(c *encodeConfig) {
		if n >= 0 {
			c.historyRetained = n
		}
	}
}

// Encode serializes records taken at the given time into a snapshot blob.
// Records are expected in path order, as Store.List returns them.
func Encode(records []metadata.FileRecord, at time.Time, opts ...EncodeOption) ([]byte, error) {
	cfg := encodeConfig{historyRetained: DefaultHistoryRetained}
	for _, opt := range opts {
		opt(&cfg)
	}

	doc := document{
		Version: Version,
		TakenAt: at.UTC(),
		Files:   make([]fileEntry, 0, len(records)),
	}
	for _, rec := range records {
		rec = rec.Clone()
		rec.TruncateHistory(cfg.historyRetained)
		doc.Files = append(doc.Files, fileEntry{
			Path:             rec.Path,
			State:            rec.State,
			LockedBy:         rec.LockedBy,
			Readers:          rec.Readers,
			LastModified:     rec.LastModified.UTC(),
			Checksum:         rec.Checksum,
			ExpectedChecksum: rec.ExpectedChecksum,
			WriteRegistered:  rec.WriteRegistered,
			History:          rec.History,
		})
	}
	for _, a := range cfg.agents {
		doc.Agents = append(doc.Agents, agentEntry{
			Agent:        a.Agent,
			LastActive:   a.LastActive.UTC(),
			CurrentFiles: a.CurrentFiles,
		})
	}

	raw, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode parses a snapshot blob. Any malformed input yields an error
// matching errors.ErrSnapshotCorrupt.
func Decode(blob []byte) (State, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return State{}, fmt.Errorf("%w: decompress: %w", errors.ErrSnapshotCorrupt, err)
	}

	var doc document
	if err := decMode.Unmarshal(raw, &doc); err != nil {
		return State{}, fmt.Errorf("%w: decode: %w", errors.ErrSnapshotCorrupt, err)
	}
	if doc.Version != Version {
		return State{}, fmt.Errorf("%w: unsupported version %d", errors.ErrSnapshotCorrupt, doc.Version)
	}

	state := State{
		Version: doc.Version,
		TakenAt: doc.TakenAt,
		Files:   make([]metadata.FileRecord, 0, len(doc.Files)),
		Agents:  make([]metadata.AgentActivity, 0, len(doc.Agents)),
	}
	for _, f := range doc.Files {
		state.Files = append(state.Files, metadata.FileRecord{
			Path:             f.Path,
			State:            f.State,
			LockedBy:         f.LockedBy,
			Readers:          f.Readers,
			LastModified:     f.LastModified,
			Checksum:         f.Checksum,
			ExpectedChecksum: f.ExpectedChecksum,
			WriteRegistered:  f.WriteRegistered,
			History:          f.History,
		})
	}
	for _, a := range doc.Agents {
		state.Agents = append(state.Agents, metadata.AgentActivity{
			Agent:        a.Agent,
			LastActive:   a.LastActive,
			CurrentFiles: a.CurrentFiles,
		})
	}
	return state, nil
}

// Save writes blob to path atomically: a reader sees either the previous
// snapshot or the new one, never a partial file.
func Save(path string, blob []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewWorkspaceError("failed to create snapshot temp file", err).WithOp("snapshot").WithPath(path)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return errors.NewWorkspaceError("failed to write snapshot", err).WithOp("snapshot").WithPath(path)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.NewWorkspaceError("failed to sync snapshot", err).WithOp("snapshot").WithPath(path)
	}
	if err = tmp.Close(); err != nil {
		return errors.NewWorkspaceError("failed to close snapshot", err).WithOp("snapshot").WithPath(path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.NewWorkspaceError("failed to replace snapshot", err).WithOp("snapshot").WithPath(path)
	}
	return nil
}

// Load reads the snapshot blob at path. A missing snapshot returns an
// error matching fs.ErrNotExist.
func Load(path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewNotFoundError("snapshot", path).WithCause(err)
		}
		return nil, errors.NewWorkspaceError("failed to read snapshot", err).WithOp("snapshot").WithPath(path)
	}
	return blob, nil
}
