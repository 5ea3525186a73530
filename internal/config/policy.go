package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EvalPolicy is the tunable part of the eval loop, loadable from YAML
type EvalPolicy struct {
	MaxRetries           int           `yaml:"max_retries"`
	SimilarityThreshold  float64       `yaml:"similarity_threshold"`
	BaseBackoff          time.Duration `yaml:"base_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	ResearchEnabled      bool          `yaml:"research_enabled"`
	ClarificationEnabled bool          `yaml:"clarification_enabled"`
	MaxQuestions         int           `yaml:"max_questions"`
}

// DefaultEvalPolicy derives the policy from environment config
func (c *Config) DefaultEvalPolicy() EvalPolicy {
	return EvalPolicy{
		MaxRetries:           c.EvalMaxRetries,
		SimilarityThreshold:  c.EvalSimilarityThreshold,
		BaseBackoff:          c.EvalBaseBackoff,
		MaxBackoff:           30 * time.Second,
		ResearchEnabled:      c.ResearchEnabled,
		ClarificationEnabled: true,
		MaxQuestions:         3,
	}
}

// LoadEvalPolicy reads a YAML policy file; unset fields keep the base values
func LoadEvalPolicy(filePath string, base EvalPolicy) (EvalPolicy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return base, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := base
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return base, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return base, err
	}
	return policy, nil
}

// Validate rejects policies that would make the loop unbounded or meaningless
func (p EvalPolicy) Validate() error {
	if p.MaxRetries < 1 || p.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 1 and 10, got %d", p.MaxRetries)
	}
	if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0, 1], got %v", p.SimilarityThreshold)
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.MaxQuestions < 0 {
		return fmt.Errorf("max_questions must not be negative")
	}
	return nil
}

// WatchEvalPolicy reloads the policy file on change and hands each valid
// version to apply. It blocks until ctx is done.
func WatchEvalPolicy(ctx context.Context, filePath string, base EvalPolicy, apply func(EvalPolicy)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  [POLICY] Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  [POLICY] Failed to get absolute path for %s: %v", filePath, err)
		return
	}

	// Watching the directory survives editors that replace the file
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  [POLICY] Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  [POLICY] Watching %s for changes", filePath)

	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					policy, err := LoadEvalPolicy(absPath, base)
					if err != nil {
						log.Printf("❌ [POLICY] Keeping previous policy: %v", err)
						return
					}
					apply(policy)
					log.Printf("✅ [POLICY] Reloaded eval policy from %s (retries=%d, threshold=%.2f)",
						filePath, policy.MaxRetries, policy.SimilarityThreshold)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  [POLICY] File watcher error: %v", err)
		}
	}
}
