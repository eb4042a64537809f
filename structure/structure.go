package structure

import (
	"fmt"
	"log/slog"
	"sync"
)

// Structure is the cached snapshot of projects and namespaces. Reads
// never block on storage: lookups run against in-memory indexes built
// during the last successful Update and swapped atomically under the
// lock.
type Structure struct {
	mu      sync.RWMutex
	storage Storage
	logger  *slog.Logger

	projects       []*Project
	projectsByID   map[string]*Project
	projectsByName map[string]*Project
	namespaces     map[string]map[string]*Namespace // project id -> namespace name
	namespacesByID map[string]*Namespace
}

// New creates a Structure on top of storage. Call Update before first
// use to build the initial snapshot.
func New(storage Storage, logger *slog.Logger) *Structure {
	if logger == nil {
		logger = slog.Default()
	}
	return &Structure{
		storage:        storage,
		logger:         logger,
		projectsByID:   make(map[string]*Project),
		projectsByName: make(map[string]*Project),
		namespaces:     make(map[string]map[string]*Namespace),
		namespacesByID: make(map[string]*Namespace),
	}
}

// Storage returns the underlying repository.
func (s *Structure) Storage() Storage {
	return s.storage
}

// Update fetches projects and namespaces from storage and atomically
// swaps the snapshot. On error the previous snapshot stays in place.
func (s *Structure) Update() error {
	projects, err := s.storage.ProjectList()
	if err != nil {
		return fmt.Errorf("structure update: %w", err)
	}
	namespaces, err := s.storage.NamespaceList()
	if err != nil {
		return fmt.Errorf("structure update: %w", err)
	}

	byID := make(map[string]*Project, len(projects))
	byName := make(map[string]*Project, len(projects))
	nsIndex := make(map[string]map[string]*Namespace)
	nsByID := make(map[string]*Namespace, len(namespaces))

	for _, p := range projects {
		byID[p.ID] = p
		byName[p.Name] = p
	}
	for _, ns := range namespaces {
		if _, ok := byID[ns.ProjectID]; !ok {
			s.logger.Warn("namespace references unknown project", "namespace", ns.Name, "project_id", ns.ProjectID)
			continue
		}
		if nsIndex[ns.ProjectID] == nil {
			nsIndex[ns.ProjectID] = make(map[string]*Namespace)
		}
		nsIndex[ns.ProjectID][ns.Name] = ns
		nsByID[ns.ID] = ns
	}

	s.mu.Lock()
	s.projects = projects
	s.projectsByID = byID
	s.projectsByName = byName
	s.namespaces = nsIndex
	s.namespacesByID = nsByID
	s.mu.Unlock()

	s.logger.Debug("structure updated", "projects", len(projects), "namespaces", len(namespaces))
	return nil
}

// ProjectList returns the projects of the current snapshot.
func (s *Structure) ProjectList() []*Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, len(s.projects))
	copy(out, s.projects)
	return out
}

// NamespaceList returns the namespaces of the current snapshot.
func (s *Structure) NamespaceList() []*Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Namespace, 0, len(s.namespacesByID))
	for _, ns := range s.namespacesByID {
		out = append(out, ns)
	}
	return out
}

// ProjectByID returns a project by id.
func (s *Structure) ProjectByID(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projectsByID[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return p, nil
}

// ProjectByName returns a project by name.
func (s *Structure) ProjectByName(name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projectsByName[name]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return p, nil
}

// NamespaceByID returns a namespace by id.
func (s *Structure) NamespaceByID(id string) (*Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespacesByID[id]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	return ns, nil
}

// NamespaceByName returns a project's namespace by name. An empty name
// resolves to the project's default channel options.
func (s *Structure) NamespaceByName(projectID, name string) (*Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projectsByID[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	if name == "" {
		return p.DefaultNamespace(), nil
	}
	ns, ok := s.namespaces[projectID][name]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	return ns, nil
}
