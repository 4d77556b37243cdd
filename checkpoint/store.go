package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/config"
	"github.com/ByteMirror/warden/log"
)

// Store is the durable backend. Every write replaces one record atomically.
type Store interface {
	SaveCheckpoint(c Checkpoint) error
	LoadCheckpoints() ([]Checkpoint, error)
	DeleteCheckpoint(taskID string) error

	SaveAgentState(s agent.State) error
	LoadAgentStates() ([]agent.State, error)

	// SaveBlob stores a named document such as the queue snapshot. LoadBlob returns
	// ErrNotFound when the name was never saved.
	SaveBlob(name string, data []byte) error
	LoadBlob(name string) ([]byte, error)

	Close() error
}

const (
	checkpointsDir = "checkpoints"
	agentsDir      = "agents"
)

// FileStore keeps one JSON file per record under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, checkpointsDir), filepath.Join(root, agentsDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, persistErr("init", dir, err)
		}
	}
	return &FileStore{root: root}, nil
}

func fileName(key string) string {
	return url.PathEscape(key) + ".json"
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return config.AtomicWriteFile(path, data, 0644)
}

func (s *FileStore) SaveCheckpoint(c Checkpoint) error {
	path := filepath.Join(s.root, checkpointsDir, fileName(c.TaskID))
	return persistErr("save checkpoint", c.TaskID, s.writeJSON(path, c))
}

func (s *FileStore) DeleteCheckpoint(taskID string) error {
	err := os.Remove(filepath.Join(s.root, checkpointsDir, fileName(taskID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return persistErr("delete checkpoint", taskID, err)
}

func (s *FileStore) LoadCheckpoints() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.readDir(checkpointsDir, func(data []byte) error {
		var c Checkpoint
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, err
}

func (s *FileStore) SaveAgentState(st agent.State) error {
	path := filepath.Join(s.root, agentsDir, fileName(st.AgentID))
	return persistErr("save agent", st.AgentID, s.writeJSON(path, st))
}

func (s *FileStore) LoadAgentStates() ([]agent.State, error) {
	var out []agent.State
	err := s.readDir(agentsDir, func(data []byte) error {
		var st agent.State
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, err
}

// readDir decodes every record file in dir. Unreadable records are logged and skipped.
func (s *FileStore) readDir(dir string, decode func([]byte) error) error {
	full := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		return persistErr("list", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(full, name))
		if err != nil {
			log.WarningLog.Printf("skipping unreadable record %s/%s: %v", dir, name, err)
			continue
		}
		if err := decode(data); err != nil {
			log.WarningLog.Printf("skipping corrupt record %s/%s: %v", dir, name, err)
		}
	}
	return nil
}

func (s *FileStore) SaveBlob(name string, data []byte) error {
	return persistErr("save", name, config.AtomicWriteFile(filepath.Join(s.root, fileName(name)), data, 0644))
}

func (s *FileStore) LoadBlob(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, fileName(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, persistErr("load", name, err)
	}
	return data, nil
}

func (s *FileStore) Close() error {
	return nil
}
