package structure

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Storage is the minimal repository interface the node core consumes.
type Storage interface {
	ProjectList() ([]*Project, error)
	NamespaceList() ([]*Namespace, error)
}

// ManagedStorage extends Storage with the CRUD operations exposed via
// the owner HTTP API surface.
type ManagedStorage interface {
	Storage

	ProjectCreate(p *Project) (*Project, error)
	ProjectEdit(id string, p *Project) (*Project, error)
	ProjectDelete(id string) error
	RegenerateSecretKey(id string) (string, error)

	NamespaceCreate(ns *Namespace) (*Namespace, error)
	NamespaceEdit(id string, ns *Namespace) (*Namespace, error)
	NamespaceDelete(id string) error
}

// Storage errors.
var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrDuplicateName     = errors.New("duplicate name")
)

// MemoryStorage keeps projects and namespaces in process memory. It is
// the storage behind file-based configuration and the unit tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	projects   []*Project
	namespaces []*Namespace
}

// NewMemoryStorage creates storage seeded with the given projects.
// Nested namespaces are flattened and get project-scoped ids assigned
// when missing.
func NewMemoryStorage(projects []*Project) *MemoryStorage {
	s := &MemoryStorage{}
	for _, p := range projects {
		cp := *p
		if cp.ID == "" {
			cp.ID = cp.Name
		}
		for i := range cp.Namespaces {
			ns := cp.Namespaces[i]
			ns.ProjectID = cp.ID
			if ns.ID == "" {
				ns.ID = cp.ID + ":" + ns.Name
			}
			s.namespaces = append(s.namespaces, &ns)
		}
		cp.Namespaces = nil
		s.projects = append(s.projects, &cp)
	}
	return s
}

// LoadFile reads a list of projects from a JSON or YAML file.
func LoadFile(path string) ([]*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structure file: %w", err)
	}

	var projects []*Project
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &projects)
	default:
		err = json.Unmarshal(data, &projects)
	}
	if err != nil {
		return nil, fmt.Errorf("parse structure file %s: %w", path, err)
	}
	return projects, nil
}

// ProjectList returns copies of all projects.
func (s *MemoryStorage) ProjectList() ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// NamespaceList returns copies of all namespaces.
func (s *MemoryStorage) NamespaceList() ([]*Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		cp := *ns
		out = append(out, &cp)
	}
	return out, nil
}

// ProjectCreate adds a new project. The name must be unique.
func (s *MemoryStorage) ProjectCreate(p *Project) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return nil, ErrDuplicateName
		}
	}
	cp := *p
	if cp.ID == "" {
		cp.ID = randomID()
	}
	if cp.SecretKey == "" {
		cp.SecretKey = randomID()
	}
	s.projects = append(s.projects, &cp)
	result := cp
	return &result, nil
}

// ProjectEdit replaces mutable fields of an existing project.
func (s *MemoryStorage) ProjectEdit(id string, p *Project) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.Name == p.Name && existing.ID != id {
			return nil, ErrDuplicateName
		}
	}
	for _, existing := range s.projects {
		if existing.ID != id {
			continue
		}
		secret := existing.SecretKey
		*existing = *p
		existing.ID = id
		if existing.SecretKey == "" {
			existing.SecretKey = secret
		}
		cp := *existing
		return &cp, nil
	}
	return nil, ErrProjectNotFound
}

// ProjectDelete removes a project and its namespaces.
func (s *MemoryStorage) ProjectDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.projects {
		if existing.ID != id {
			continue
		}
		s.projects = append(s.projects[:i], s.projects[i+1:]...)
		kept := s.namespaces[:0]
		for _, ns := range s.namespaces {
			if ns.ProjectID != id {
				kept = append(kept, ns)
			}
		}
		s.namespaces = kept
		return nil
	}
	return ErrProjectNotFound
}

// RegenerateSecretKey assigns a fresh random secret to a project and
// returns it.
func (s *MemoryStorage) RegenerateSecretKey(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.ID == id {
			existing.SecretKey = randomID()
			return existing.SecretKey, nil
		}
	}
	return "", ErrProjectNotFound
}

// NamespaceCreate adds a namespace to a project. The name must be
// unique within the project.
func (s *MemoryStorage) NamespaceCreate(ns *Namespace) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, p := range s.projects {
		if p.ID == ns.ProjectID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrProjectNotFound
	}
	for _, existing := range s.namespaces {
		if existing.ProjectID == ns.ProjectID && existing.Name == ns.Name {
			return nil, ErrDuplicateName
		}
	}
	cp := *ns
	if cp.ID == "" {
		cp.ID = randomID()
	}
	s.namespaces = append(s.namespaces, &cp)
	result := cp
	return &result, nil
}

// NamespaceEdit replaces mutable fields of an existing namespace.
func (s *MemoryStorage) NamespaceEdit(id string, ns *Namespace) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.namespaces {
		if existing.ID == id {
			continue
		}
		if existing.ProjectID == ns.ProjectID && existing.Name == ns.Name {
			return nil, ErrDuplicateName
		}
	}
	for _, existing := range s.namespaces {
		if existing.ID != id {
			continue
		}
		projectID := existing.ProjectID
		*existing = *ns
		existing.ID = id
		existing.ProjectID = projectID
		cp := *existing
		return &cp, nil
	}
	return nil, ErrNamespaceNotFound
}

// NamespaceDelete removes a namespace.
func (s *MemoryStorage) NamespaceDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.namespaces {
		if existing.ID == id {
			s.namespaces = append(s.namespaces[:i], s.namespaces[i+1:]...)
			return nil
		}
	}
	return ErrNamespaceNotFound
}

func randomID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
