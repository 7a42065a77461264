package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"daybook/internal/model"
)

// Codec selects the on-disk encoding of the file store.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecCBOR:
		return CodecCBOR, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

func (c Codec) fileName() string {
	if c == CodecCBOR {
		return "tasks.cbor"
	}
	return "tasks.json"
}

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("task: CBOR encoder initialization failed: " + err.Error())
	}
}

func (c Codec) marshal(v any) ([]byte, error) {
	if c == CodecCBOR {
		return cborEnc.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

func (c Codec) unmarshal(b []byte, v any) error {
	if c == CodecCBOR {
		return cbor.Unmarshal(b, v)
	}
	return json.Unmarshal(b, v)
}

// fileState is the whole data file. cbor reads the json tags.
type fileState struct {
	Owners map[string][]record `json:"owners"`
}

// record is the persisted form of a task. Dates and instants are strings so
// both codecs round-trip them exactly.
type record struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Section     string   `json:"section"`
	Scope       string   `json:"scope"`
	BucketKey   string   `json:"bucketKey,omitempty"`
	Rank        int      `json:"priorityRank"`
	Priority    string   `json:"priority"`
	Completed   bool     `json:"completed"`
	Tags        []string `json:"tags,omitempty"`
	EstimateMin *int     `json:"estimateMin,omitempty"`
	Version     int      `json:"version"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

func toRecord(t model.Task) record {
	key, _ := t.BucketKey()
	return record{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Section:     string(t.Section),
		Scope:       string(t.Scope),
		BucketKey:   key.String(),
		Rank:        t.Rank,
		Priority:    string(t.Priority),
		Completed:   t.Completed,
		Tags:        t.Tags,
		EstimateMin: t.EstimateMin,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r record) task(ownerID string) (model.Task, error) {
	t := model.Task{
		ID:          r.ID,
		OwnerID:     ownerID,
		Title:       r.Title,
		Description: r.Description,
		Section:     model.Section(r.Section),
		Rank:        r.Rank,
		Priority:    model.Priority(r.Priority),
		Completed:   r.Completed,
		Tags:        r.Tags,
		EstimateMin: r.EstimateMin,
		Version:     r.Version,
	}
	var key model.Day
	if r.BucketKey != "" {
		var err error
		if key, err = model.ParseDay(r.BucketKey); err != nil {
			return model.Task{}, fmt.Errorf("task %s: %w", r.ID, err)
		}
	}
	t.SetBucket(model.Scope(r.Scope), key)
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return model.Task{}, fmt.Errorf("task %s createdAt: %w", r.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return model.Task{}, fmt.Errorf("task %s updatedAt: %w", r.ID, err)
	}
	t.Normalize()
	return t, nil
}

// FileStore is a MemoryStore that rewrites its data file on every commit.
type FileStore struct {
	*MemoryStore
	path  string
	codec Codec
}

func NewFileStore(dataDir string, codec Codec) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(dataDir, codec.fileName()),
		codec:       codec,
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", fs.path, err)
	}
	fs.commit = fs.save
	return fs, nil
}

func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) load() error {
	b, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st fileState
	if err := fs.codec.unmarshal(b, &st); err != nil {
		return err
	}
	for ownerID, recs := range st.Owners {
		tasks := make(ownerTasks, len(recs))
		for _, r := range recs {
			t, err := r.task(ownerID)
			if err != nil {
				return err
			}
			tasks[t.ID] = t
		}
		fs.owners[ownerID] = tasks
	}
	return nil
}

// save writes next to a temp file and renames it into place.
func (fs *FileStore) save(next map[string]ownerTasks) error {
	st := fileState{Owners: make(map[string][]record, len(next))}
	for ownerID, tasks := range next {
		recs := make([]record, 0, len(tasks))
		for _, t := range tasks {
			recs = append(recs, toRecord(t))
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
		st.Owners[ownerID] = recs
	}
	b, err := fs.codec.marshal(st)
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
