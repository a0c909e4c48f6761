package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultSection is the name of the section whose keys are visible from every
// other section.
const DefaultSection = "DEFAULT"

// Document is a read-only, sectioned settings document. Keys are compared
// case-insensitively; sections are case-sensitive.
type Document interface {
	// Sections returns the section names in document order, excluding DEFAULT.
	Sections() []string

	// HasSection reports whether the section exists.
	HasSection(section string) bool

	// HasOption reports whether key is visible in section, either declared
	// there or inherited from DEFAULT.
	HasOption(section, key string) bool

	// Get returns the raw value of key in section, falling back to DEFAULT.
	Get(section, key string) (string, bool)

	// Options returns the keys declared in the section itself.
	Options(section string) []string

	// Defaults returns the keys declared in the DEFAULT section.
	Defaults() []string
}

// INIDocument is a Document backed by one or more INI files.
type INIDocument struct {
	file    *ini.File
	sources []string
}

var loadOptions = ini.LoadOptions{
	InsensitiveKeys:            true,
	SpaceBeforeInlineComment:   true,
	AllowPythonMultilineValues: true,
}

// LoadFile loads a single INI file.
func LoadFile(path string) (*INIDocument, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings file %s: %w", path, err)
	}
	return &INIDocument{file: f, sources: []string{path}}, nil
}

// LoadDir loads every *.ini file in dir in lexical order. Later files override
// keys set by earlier ones.
func LoadDir(dir string) (*INIDocument, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ini"))
	if err != nil {
		return nil, fmt.Errorf("failed to list settings directory %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no *.ini files found in %s", dir)
	}
	sort.Strings(matches)

	others := make([]interface{}, 0, len(matches)-1)
	for _, m := range matches[1:] {
		others = append(others, m)
	}

	f, err := ini.LoadSources(loadOptions, matches[0], others...)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings from %s: %w", dir, err)
	}
	return &INIDocument{file: f, sources: matches}, nil
}

// Load loads path as a directory of INI files or as a single file.
func Load(path string) (*INIDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// Parse parses INI content held in memory.
func Parse(content []byte) (*INIDocument, error) {
	f, err := ini.LoadSources(loadOptions, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &INIDocument{file: f}, nil
}

// Sources returns the files the document was loaded from.
func (d *INIDocument) Sources() []string {
	return d.sources
}

// Sections implements Document.
func (d *INIDocument) Sections() []string {
	var names []string
	for _, name := range d.file.SectionStrings() {
		if name == DefaultSection {
			continue
		}
		names = append(names, name)
	}
	return names
}

// HasSection implements Document.
func (d *INIDocument) HasSection(section string) bool {
	if section == DefaultSection {
		return false
	}
	_, err := d.file.GetSection(section)
	return err == nil
}

// HasOption implements Document.
func (d *INIDocument) HasOption(section, key string) bool {
	_, ok := d.Get(section, key)
	return ok
}

// Get implements Document. Values are rendered, so %(name)s references to
// keys in the same section or in DEFAULT are expanded.
func (d *INIDocument) Get(section, key string) (string, bool) {
	sec, err := d.file.GetSection(section)
	if err != nil {
		return "", false
	}
	if k, err := sec.GetKey(key); err == nil {
		return strings.TrimSpace(k.String()), true
	}
	def, err := d.file.GetSection(DefaultSection)
	if err != nil {
		return "", false
	}
	if k, err := def.GetKey(key); err == nil {
		return strings.TrimSpace(k.String()), true
	}
	return "", false
}

// Options implements Document.
func (d *INIDocument) Options(section string) []string {
	sec, err := d.file.GetSection(section)
	if err != nil {
		return nil
	}
	return sec.KeyStrings()
}

// Defaults implements Document.
func (d *INIDocument) Defaults() []string {
	def, err := d.file.GetSection(DefaultSection)
	if err != nil {
		return nil
	}
	return def.KeyStrings()
}

// MapDocument is an in-memory Document. Keys of the DefaultSection entry act
// as defaults for every other section.
type MapDocument map[string]map[string]string

// Sections implements Document. Names are returned sorted.
func (m MapDocument) Sections() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		if name == DefaultSection {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSection implements Document.
func (m MapDocument) HasSection(section string) bool {
	if section == DefaultSection {
		return false
	}
	_, ok := m[section]
	return ok
}

// HasOption implements Document.
func (m MapDocument) HasOption(section, key string) bool {
	_, ok := m.Get(section, key)
	return ok
}

// Get implements Document.
func (m MapDocument) Get(section, key string) (string, bool) {
	sec, ok := m[section]
	if !ok || section == DefaultSection {
		return "", false
	}
	if v, ok := lookupFold(sec, key); ok {
		return strings.TrimSpace(v), true
	}
	if v, ok := lookupFold(m[DefaultSection], key); ok {
		return strings.TrimSpace(v), true
	}
	return "", false
}

// Options implements Document.
func (m MapDocument) Options(section string) []string {
	return sortedKeys(m[section])
}

// Defaults implements Document.
func (m MapDocument) Defaults() []string {
	return sortedKeys(m[DefaultSection])
}

func lookupFold(sec map[string]string, key string) (string, bool) {
	if v, ok := sec[key]; ok {
		return v, true
	}
	for k, v := range sec {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func sortedKeys(sec map[string]string) []string {
	keys := make([]string, 0, len(sec))
	for k := range sec {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	return keys
}
