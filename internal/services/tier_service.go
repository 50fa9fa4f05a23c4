package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatcore/internal/models"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TierService resolves the per-window request limit of a user from a tier file
type TierService struct {
	mu           sync.RWMutex
	config       *models.TierConfig
	path         string
	defaultLimit int
}

// NewTierService creates a tier service. A missing tier file is not an error:
// built-in tiers are used and defaultLimit applies to users without a tier.
func NewTierService(path string, defaultLimit int) *TierService {
	s := &TierService{
		config:       models.DefaultTierConfig(),
		path:         path,
		defaultLimit: defaultLimit,
	}

	if path != "" {
		if err := s.Reload(); err != nil {
			if os.IsNotExist(err) {
				log.Printf("⚠️  [TIER] Tier file %s not found, using built-in tiers", path)
			} else {
				log.Printf("⚠️  [TIER] Failed to load tier file %s: %v", path, err)
			}
		}
	}

	return s
}

// Reload re-reads the tier file
func (s *TierService) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	cfg, err := parseTierConfig(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	log.Printf("✅ [TIER] Loaded %d tiers and %d user assignments from %s", len(cfg.Tiers), len(cfg.Users), s.path)
	return nil
}

func parseTierConfig(data []byte) (*models.TierConfig, error) {
	var cfg models.TierConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tier file: %w", err)
	}

	// Tiers missing from the file keep their built-in limits
	merged := models.DefaultTierConfig()
	for name, limits := range cfg.Tiers {
		merged.Tiers[name] = limits
	}
	if cfg.DefaultTier != "" {
		merged.DefaultTier = cfg.DefaultTier
	}
	if cfg.Users != nil {
		merged.Users = cfg.Users
	}
	return merged, nil
}

// GetUserTier returns the tier assigned to a user, or the default tier
func (s *TierService) GetUserTier(_ context.Context, userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tier, ok := s.config.Users[userID]; ok {
		return tier
	}
	return s.config.DefaultTier
}

// GetUserLimit returns the requests allowed per window for a user.
// A negative limit means unlimited.
func (s *TierService) GetUserLimit(ctx context.Context, userID string) int {
	tier := s.GetUserTier(ctx, userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limits, ok := s.config.Tiers[tier]; ok && limits.RequestsPerWindow != 0 {
		return limits.RequestsPerWindow
	}
	return s.defaultLimit
}

// Watch reloads the tier file whenever it changes until ctx is cancelled
func (s *TierService) Watch(ctx context.Context) {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  [TIER] Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		log.Printf("⚠️  [TIER] Failed to get absolute path for %s: %v", s.path, err)
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  [TIER] Failed to watch directory %s: %v", dir, err)
		return
	}

	log.Printf("👁️  [TIER] Watching %s for changes (hot-reload enabled)", s.path)

	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
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
					if err := s.Reload(); err != nil {
						log.Printf("❌ [TIER] Failed to reload tiers after file change: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  [TIER] File watcher error: %v", err)
		}
	}
}
