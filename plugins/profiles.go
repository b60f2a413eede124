package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/linht/synth-manager/adf435x"
	"gopkg.in/yaml.v3"
)

const profileExt = ".yaml"

var profileNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Profile errors
var (
	ErrInvalidProfileName = errors.New("profile names may only contain letters, digits, '_' and '-'")
	ErrProfileNotFound    = errors.New("profile not found")
)

// ProfileStore keeps named option sets as yaml files in one directory.
type ProfileStore struct {
	dir string
}

// NewProfileStore creates the store, making dir if needed
func NewProfileStore(dir string) (*ProfileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("profiles_dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}
	return &ProfileStore{dir: dir}, nil
}

func (s *ProfileStore) path(name string) (string, error) {
	if !profileNameRe.MatchString(name) {
		return "", ErrInvalidProfileName
	}
	return filepath.Join(s.dir, name+profileExt), nil
}

// List returns the profile names in lexical order
func (s *ProfileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), profileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), profileExt)
		if profileNameRe.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads profile name. Keys missing from the file keep their
// DefaultOptions value.
func (s *ProfileStore) Load(name string) (adf435x.Options, error) {
	path, err := s.path(name)
	if err != nil {
		return adf435x.Options{}, err
	}
	return LoadOptionsFile(path)
}

// LoadOptionsFile reads an options yaml file on top of DefaultOptions.
func LoadOptionsFile(path string) (adf435x.Options, error) {
	opts := adf435x.DefaultOptions()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return opts, ErrProfileNotFound
	}
	if err != nil {
		return opts, fmt.Errorf("failed to read profile: %w", err)
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse profile %s: %w", filepath.Base(path), err)
	}
	return opts, nil
}

// Save writes opts as profile name. An existing file keeps its key order
// and comments; only the values change.
func (s *ProfileStore) Save(name string, opts adf435x.Options) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	var newNode yaml.Node
	if err := newNode.Encode(opts); err != nil {
		return fmt.Errorf("failed to serialize profile: %w", err)
	}

	out := &newNode
	if original, err := os.ReadFile(path); err == nil {
		var rootNode yaml.Node
		if err := yaml.Unmarshal(original, &rootNode); err == nil && len(rootNode.Content) > 0 {
			mergeYAMLNode(rootNode.Content[0], &newNode)
			out = &rootNode
		}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to serialize profile: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// Delete removes profile name
func (s *ProfileStore) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrProfileNotFound
		}
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}

// mergeYAMLNode copies the values of src into dst while keeping the
// structure, order and comments of dst. Keys only present in src are
// appended.
func mergeYAMLNode(dst, src *yaml.Node) {
	if dst.Kind != yaml.MappingNode || src.Kind != yaml.MappingNode {
		updateScalarNode(dst, src)
		return
	}

	for i := 0; i+1 < len(src.Content); i += 2 {
		key, value := src.Content[i], src.Content[i+1]

		found := false
		for j := 0; j+1 < len(dst.Content); j += 2 {
			if dst.Content[j].Value != key.Value {
				continue
			}
			found = true
			if dst.Content[j+1].Kind == yaml.MappingNode && value.Kind == yaml.MappingNode {
				mergeYAMLNode(dst.Content[j+1], value)
			} else {
				updateScalarNode(dst.Content[j+1], value)
			}
			break
		}

		if !found {
			dst.Content = append(dst.Content, key, value)
		}
	}
}

// updateScalarNode replaces the value of node, keeping its comments
func updateScalarNode(node, value *yaml.Node) {
	node.Kind = value.Kind
	node.Tag = value.Tag
	node.Value = value.Value
	node.Style = value.Style
	node.Content = value.Content
}
