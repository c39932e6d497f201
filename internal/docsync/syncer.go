package docsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type SyncerOptions struct {
	// LocalRoot is the mirror directory; it is created if missing.
	LocalRoot string
	// StateFile tracks what each side looked like after the last sync.
	// Defaults to a dotfile inside LocalRoot.
	StateFile string
	Logger    *log.Logger
}

// Syncer reconciles a local mirror directory with the server. When both
// sides changed the same document since the last sync, the server copy
// wins and the local edit is overwritten.
type Syncer struct {
	client    RemoteClient
	localRoot string
	stateFile string
	logger    *log.Logger
	state     syncState
	loaded    bool
}

type syncState struct {
	Files map[string]trackedFile `json:"files"`
}

// trackedFile remembers both sides as of the last successful sync: the
// local content hash and the server's modification time.
type trackedFile struct {
	Hash     string    `json:"hash"`
	Modified time.Time `json:"modified"`
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	localRoot := strings.TrimSpace(opts.LocalRoot)
	if localRoot == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot = filepath.Clean(localRoot)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".stacknote-sync-state.json")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		client:    client,
		localRoot: localRoot,
		stateFile: stateFile,
		logger:    logger,
		state:     syncState{Files: map[string]trackedFile{}},
	}, nil
}

// SyncOnce runs one full reconciliation pass.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	locals, err := s.scanLocal()
	if err != nil {
		return err
	}
	remoteList, err := s.client.ListFiles(ctx)
	if err != nil {
		return err
	}
	remotes := map[string]RemoteFileInfo{}
	for _, info := range remoteList {
		remotes[info.Name] = info
	}

	pushed := map[string]string{}
	for _, name := range unionNames(locals, remotes, s.state.Files) {
		if err := s.reconcile(ctx, name, locals, remotes, pushed); err != nil {
			return err
		}
	}

	// Pushed files get their fresh server modification time so the next
	// pass does not mistake our own push for a remote edit.
	if len(pushed) > 0 {
		refreshed, err := s.client.ListFiles(ctx)
		if err != nil {
			return err
		}
		for _, info := range refreshed {
			hash, ok := pushed[info.Name]
			if !ok {
				continue
			}
			s.state.Files[info.Name] = trackedFile{Hash: hash, Modified: info.Modified}
		}
	}
	return s.saveState()
}

func (s *Syncer) reconcile(ctx context.Context, name string, locals map[string]string, remotes map[string]RemoteFileInfo, pushed map[string]string) error {
	localHash, localExists := locals[name]
	remote, remoteExists := remotes[name]
	tracked, wasTracked := s.state.Files[name]

	localChanged := localExists && (!wasTracked || localHash != tracked.Hash)
	remoteChanged := remoteExists && (!wasTracked || !remote.Modified.Equal(tracked.Modified))

	switch {
	case remoteExists && (remoteChanged || !localExists):
		// Server wins, including the both-changed conflict.
		if localChanged && remoteChanged {
			s.logger.Printf("docsync: %s changed on both sides, taking the server copy", name)
		}
		return s.download(ctx, name, remote)

	case localExists && localChanged:
		// Covers new local files and local edits, including editing a
		// document the server deleted: the edit resurrects it.
		data, err := os.ReadFile(filepath.Join(s.localRoot, name))
		if err != nil {
			return err
		}
		if err := s.client.WriteFile(ctx, name, data); err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == 400 {
				s.logger.Printf("docsync: server rejected %s: %s", name, httpErr.Message)
				return nil
			}
			return err
		}
		pushed[name] = localHash
		return nil

	case !remoteExists && wasTracked && localExists && !localChanged:
		// Deleted on the server, untouched here.
		if err := os.Remove(filepath.Join(s.localRoot, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		delete(s.state.Files, name)
		return nil

	case !localExists && wasTracked && remoteExists && !remoteChanged:
		// Deleted locally, untouched on the server.
		if err := s.client.DeleteFile(ctx, name); err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return err
		}
		delete(s.state.Files, name)
		return nil

	case !localExists && !remoteExists:
		delete(s.state.Files, name)
		return nil
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, name string, remote RemoteFileInfo) error {
	data, err := s.client.ReadFile(ctx, name)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.localRoot, name), data, 0o644); err != nil {
		return err
	}
	s.state.Files[name] = trackedFile{Hash: hashBytes(data), Modified: remote.Modified}
	return nil
}

// scanLocal hashes every mirrored document. Hidden files and the state
// file itself are not documents.
func (s *Syncer) scanLocal() (map[string]string, error) {
	entries, err := os.ReadDir(s.localRoot)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.localRoot, name))
		if err != nil {
			return nil, err
		}
		out[name] = hashBytes(data)
	}
	return out, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return err
	}
	var state syncState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	s.loaded = true
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func unionNames(locals map[string]string, remotes map[string]RemoteFileInfo, tracked map[string]trackedFile) []string {
	seen := map[string]struct{}{}
	for name := range locals {
		seen[name] = struct{}{}
	}
	for name := range remotes {
		seen[name] = struct{}{}
	}
	for name := range tracked {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
