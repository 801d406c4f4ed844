package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RoleConfig is the on-disk role table. Files ending in .yaml or .yml are
// decoded as YAML, anything else as JSON.
type RoleConfig struct {
	Roles map[RoleName]*Role `json:"roles" yaml:"roles"`
	Users []RoleAssignment   `json:"users" yaml:"users"`
}

// RoleAssignment maps a username to a role.
type RoleAssignment struct {
	Username string   `json:"username" yaml:"username"`
	Role     RoleName `json:"role" yaml:"role"`
	Note     string   `json:"note,omitempty" yaml:"note,omitempty"`
}

// Validate checks that every assignment names a known role and that no
// username appears twice. It also fills in Role.Name from the map key.
func (c *RoleConfig) Validate() error {
	for name, role := range c.Roles {
		if role == nil {
			return fmt.Errorf("role %q has no definition", name)
		}
		role.Name = name
	}

	seen := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("user entry with empty username")
		}
		if _, ok := c.Roles[u.Role]; !ok {
			return fmt.Errorf("user %s has unknown role %q", u.Username, u.Role)
		}
		key := strings.ToLower(u.Username)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("user %s listed more than once", u.Username)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// FileResolver resolves principals from a role config file. With an empty
// path it is disabled and every lookup returns ErrPrincipalNotFound.
type FileResolver struct {
	mu   sync.RWMutex
	path string

	principals map[string]*Principal // lower-cased username -> principal
}

// Ensure FileResolver implements the interface at compile time.
var _ PermissionResolver = (*FileResolver)(nil)

// NewFileResolver loads path. A missing file leaves the resolver empty so it
// can be created later and picked up by Watch.
func NewFileResolver(path string) (*FileResolver, error) {
	r := &FileResolver{
		path:       path,
		principals: make(map[string]*Principal),
	}

	if path == "" {
		log.Info().Msg("moderation: no role config path provided, file resolver disabled")
		return r, nil
	}

	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load role config: %w", err)
	}
	return r, nil
}

func (r *FileResolver) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", r.path).Msg("moderation: role config not found, no privileged users")
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RoleConfig
	switch strings.ToLower(filepath.Ext(r.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	next := make(map[string]*Principal, len(cfg.Users))
	for _, u := range cfg.Users {
		role := cfg.Roles[u.Role]
		next[strings.ToLower(u.Username)] = &Principal{
			ID:           u.Username,
			Username:     u.Username,
			Role:         role.Name,
			Capabilities: append([]Capability(nil), role.Capabilities...),
		}
	}

	r.mu.Lock()
	r.principals = next
	r.mu.Unlock()

	log.Info().
		Int("roles", len(cfg.Roles)).
		Int("users", len(cfg.Users)).
		Str("path", r.path).
		Msg("moderation: role config loaded")

	return nil
}

// Reload re-reads the config file. On error the previous table stays in
// effect.
func (r *FileResolver) Reload() error {
	if r.path == "" {
		return nil
	}
	return r.load()
}

// ResolveByUsername returns a copy of the principal configured for username.
// Lookups are case-insensitive.
func (r *FileResolver) ResolveByUsername(_ context.Context, username string) (*Principal, error) {
	r.mu.RLock()
	p, ok := r.principals[strings.ToLower(username)]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrPrincipalNotFound
	}
	cp := *p
	cp.Capabilities = append([]Capability(nil), p.Capabilities...)
	return &cp, nil
}

// Len returns the number of configured users.
func (r *FileResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.principals)
}

// Watch reloads the config whenever the file is written or replaced, until
// ctx is cancelled. The parent directory is watched so editors that swap the
// file via rename are handled.
func (r *FileResolver) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create role config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(r.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Error().Err(err).Str("path", r.path).Msg("moderation: role config reload failed, keeping previous")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("moderation: role config watcher error")
		}
	}
}
