// Package personality implements PersonalityPackManager: it discovers
// pack directories, loads each manifest + system prompt, binds declared
// tool names against a process-wide tooling.Registry, and exposes
// PersonalityInstance snapshots. Reload rebuilds the registry atomically
// (copy-on-write) so in-flight Turns keep the instance they captured at
// turn start.
package personality

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/tooling"
)

// ReloadResult reports the outcome of a Reload call.
type ReloadResult struct {
	LoadedCount int
	FailedIDs   []string
}

// Manager loads and serves personality packs from a directory tree,
// grounded on nexus's skills.Manager discovery/reload shape fused with
// the teacher's copy-on-write registry swap idiom.
type Manager struct {
	directory          string
	defaultPersonality string
	registry           *tooling.Registry
	log                *slog.Logger

	mu        sync.Mutex // serializes concurrent Reload calls
	instances atomic
	watcher   *fsnotify.Watcher
	watchStop chan struct{}
	watchWG   sync.WaitGroup
}

// atomic is a tiny copy-on-write holder for the instance map so Get/List
// readers never block behind a reload and never see a partially built map.
type atomic struct {
	mu    sync.RWMutex
	value map[string]model.PersonalityInstance
}

func (a *atomic) load() map[string]model.PersonalityInstance {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

func (a *atomic) store(v map[string]model.PersonalityInstance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
}

// New constructs a Manager rooted at directory, validating tool bindings
// against registry. defaultPersonalityID is used by Get when the
// requested id is empty; a non-empty unknown id is not resolved.
func New(directory string, defaultPersonalityID string, registry *tooling.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		directory:          directory,
		defaultPersonality: defaultPersonalityID,
		registry:           registry,
		log:                log,
	}
	m.instances.store(map[string]model.PersonalityInstance{})
	return m
}

// Load scans the pack directory once and populates the registry. Call
// it before serving traffic; Reload is the subsequent hot-reload path.
func (m *Manager) Load() ReloadResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() ReloadResult {
	entries, err := os.ReadDir(m.directory)
	if err != nil {
		m.log.Error("personality: cannot read pack directory", "directory", m.directory, "error", err)
		return ReloadResult{}
	}

	next := make(map[string]model.PersonalityInstance, len(entries))
	var failed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirName := entry.Name()
		instance, err := m.loadPack(dirName)
		if err != nil {
			m.log.Error("personality: skipping pack", "pack", dirName, "error", err)
			failed = append(failed, dirName)
			continue
		}
		next[instance.ID] = instance
	}

	m.instances.store(next)
	m.log.Info("personality: loaded packs", "count", len(next), "failed", len(failed))
	return ReloadResult{LoadedCount: len(next), FailedIDs: failed}
}

func (m *Manager) loadPack(dirName string) (model.PersonalityInstance, error) {
	packDir := filepath.Join(m.directory, dirName)
	manifestPath := findManifestFile(packDir)
	if manifestPath == "" {
		return model.PersonalityInstance{}, fmt.Errorf("no manifest.(yaml|json|toml) found in %s", packDir)
	}
	manifest, err := loadManifest(manifestPath, dirName)
	if err != nil {
		return model.PersonalityInstance{}, err
	}
	systemPrompt, err := readSystemPrompt(packDir, manifest)
	if err != nil {
		return model.PersonalityInstance{}, err
	}
	for _, toolName := range manifest.Tools {
		if !m.registry.Has(toolName) {
			return model.PersonalityInstance{}, fmt.Errorf("tool %q declared by pack %q is not registered", toolName, manifest.ID)
		}
	}
	return model.PersonalityInstance{
		ID:                 manifest.ID,
		Version:            manifest.Version,
		SystemPromptText:   systemPrompt,
		Traits:             manifest.Traits,
		ToolsModuleRef:     uuid.NewString(),
		AvailableToolNames: append([]string(nil), manifest.Tools...),
		DefaultProvider:    manifest.Provider,
		DefaultModel:       manifest.Model,
	}, nil
}

func findManifestFile(packDir string) string {
	for _, name := range []string{"manifest.yaml", "manifest.yml", "manifest.json", "manifest.toml"} {
		candidate := filepath.Join(packDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Get returns a cloned PersonalityInstance snapshot for id. An omitted
// id ("") resolves to the configured default personality, per
// spec.md:152 ("used when none specified"); a non-empty id that names
// no loaded personality is reported unresolved rather than silently
// substituting the default, per spec.md:220's unknown-personality
// scenario — unlike original_source/core/personality.py:107-124's
// get_personality, which falls back on any miss.
func (m *Manager) Get(id string) (model.PersonalityInstance, bool) {
	instances := m.instances.load()
	if id == "" {
		id = m.defaultPersonality
	}
	if inst, ok := instances[id]; ok {
		return model.CloneInstance(inst), true
	}
	return model.PersonalityInstance{}, false
}

// List returns every loaded PersonalityInstance.
func (m *Manager) List() []model.PersonalityInstance {
	instances := m.instances.load()
	out := make([]model.PersonalityInstance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, model.CloneInstance(inst))
	}
	return out
}

// ExecuteTool runs a personality's tool by name via the shared registry,
// after verifying the personality actually declares that tool.
func (m *Manager) ExecuteTool(ctx context.Context, personalityID, toolName string, arguments map[string]any) (any, error) {
	inst, ok := m.Get(personalityID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrPersonalityNotFound, personalityID)
	}
	declared := false
	for _, name := range inst.AvailableToolNames {
		if name == toolName {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("%w: tool %q not available for personality %q", model.ErrToolNotFound, toolName, personalityID)
	}
	return m.registry.Execute(ctx, toolName, arguments)
}

// Reload rebuilds the registry from disk. Concurrent reload calls are
// serialized by mu; existing PersonalityInstance snapshots already
// handed to in-flight turns are never mutated because loadLocked builds
// an entirely new map before swapping it in.
func (m *Manager) Reload() ReloadResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// WatchForChanges starts an fsnotify watch on the pack directory and
// calls Reload after a debounce window once changes settle, grounded on
// nexus's skills.Manager watchDebounce pattern. Call Close to stop.
func (m *Manager) WatchForChanges(debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("personality: fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.directory); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("personality: watch %s: %w", m.directory, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	m.watcher = watcher
	m.watchStop = make(chan struct{})

	m.watchWG.Add(1)
	go func() {
		defer m.watchWG.Done()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-m.watchStop:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(debounce)
				timerC = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Error("personality: watch error", "error", err)
			case <-timerC:
				timerC = nil
				m.Reload()
			}
		}
	}()
	return nil
}

// Close stops any active filesystem watch.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.watchStop)
	err := m.watcher.Close()
	m.watchWG.Wait()
	return err
}
