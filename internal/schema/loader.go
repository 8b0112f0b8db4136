package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the definition file created by `stdb init`.
const DefaultFileName = "schemes.yaml"

// Load reads a definition file. A missing file yields an empty definition
// with only the user scheme.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewDefinition(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheme file %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheme file %s: %w", path, err)
	}
	return def, nil
}

// NewDefinition returns a definition with the built-in user scheme and no
// other schemes.
func NewDefinition() *Definition {
	return &Definition{
		Version: CurrentVersion,
		Users:   "users",
		Schemes: make(map[string]*SchemeDef),
	}
}

// Parse decodes a definition from YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if def.Version == 0 {
		def.Version = CurrentVersion
	}
	if def.Version > CurrentVersion {
		return nil, fmt.Errorf("unsupported scheme file version %d", def.Version)
	}
	if def.Schemes == nil {
		def.Schemes = make(map[string]*SchemeDef)
	}
	for name, s := range def.Schemes {
		if s == nil {
			s = &SchemeDef{}
			def.Schemes[name] = s
		}
		if s.Fields == nil {
			s.Fields = make(map[string]*FieldDef)
		}
	}
	return &def, nil
}

// Save writes def as YAML.
func Save(path string, def *Definition) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal schemes: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write scheme file: %w", err)
	}
	return nil
}

// CreateDefault writes a commented starter definition to path unless a file
// already exists there. It reports whether a file was written.
func CreateDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultDefinition), 0644); err != nil {
		return false, fmt.Errorf("failed to write scheme file: %w", err)
	}
	return true, nil
}

const defaultDefinition = `# Stellator scheme definitions
#
# Every scheme is a table. Field types:
#   integer, float, boolean, text, bytes, data, password, extra,
#   object, set, array, file, image, view, fulltext
#
# Flags: required, protected, readonly, reference, unique, autoctime,
#   automtime, autouser, indexed, admin, forceinclude, forceexclude, composed
# Transforms: text, identifier, alias, url, email, number, hexadecimal,
#   base64, uuid, publickey
version: 1

# Built-in user scheme (name, password, isAdmin)
users: users

schemes:
  author:
    fields:
      name:
        type: text
        flags: [required, indexed]
        transform: text
      handle:
        type: text
        flags: [unique]
        transform: alias
      articles:
        type: set
        scheme: article
        on_remove: cascade
      published:
        type: view
        scheme: article
        requires: [author, published]
        delta: true
        filter:
          published: true

  article:
    options: [delta]
    fields:
      title:
        type: text
        flags: [required]
        max_length: 200
      body:
        type: text
        max_length: 65536
      author:
        type: object
        scheme: author
        flags: [reference]
      tags:
        type: array
        element:
          type: text
      published:
        type: boolean
        default: false
      created:
        type: integer
        flags: [autoctime]
      modified:
        type: integer
        flags: [automtime]
      search:
        type: fulltext
        requires: [title, body]
        title: title
        body: [body]
    unique:
      title: [author, title]
    roles:
      - users: [default, authorized]
        preset: default
      - users: [admin]
        preset: admin

`
