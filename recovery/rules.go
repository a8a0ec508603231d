package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// rulesHolder guards the active rule table for concurrent readers.
type rulesHolder struct {
	mu    sync.RWMutex
	rules []Rule
}

func (h *rulesHolder) set(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	h.mu.Lock()
	h.rules = cp
	h.mu.Unlock()
}

func (h *rulesHolder) get() []Rule {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rules
}

// rulesFile is the TOML document shape of a rule table.
type rulesFile struct {
	Rule []Rule `toml:"rule"`
}

// LoadRules reads a classification rule table from a TOML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var doc rulesFile
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for i, r := range doc.Rule {
		switch r.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return nil, fmt.Errorf("rule %d (%q): unknown severity %q", i, r.Name, r.Severity)
		}
		if len(r.Contains) == 0 {
			return nil, fmt.Errorf("rule %d (%q): no match patterns", i, r.Name)
		}
	}
	return doc.Rule, nil
}

// WatchRules reloads the classifier's rule table whenever the file at path
// changes. It blocks until ctx is done; run it in its own goroutine. A reload
// failure keeps the previous table.
func (c *Classifier) WatchRules(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// file-level watches.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch rules dir: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRules(path)
			if err != nil {
				log.Warn("classifier rules reload failed, keeping previous table",
					"path", path, "error", err)
				continue
			}
			c.SetRules(rules)
			log.Info("classifier rules reloaded", "path", path, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("rules watcher error", "error", err)
		}
	}
}
