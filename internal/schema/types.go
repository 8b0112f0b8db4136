// Package schema loads scheme definitions from YAML and builds them into
// db schemes.
package schema

import "strings"

// CurrentVersion is the latest definition file format version.
const CurrentVersion = 1

// Definition is the content of a scheme definition file.
type Definition struct {
	Version int                   `yaml:"version,omitempty"`
	Users   string                `yaml:"users,omitempty"` // name of the user scheme, if any
	Schemes map[string]*SchemeDef `yaml:"schemes"`
}

// SchemeDef defines one scheme.
type SchemeDef struct {
	Description string               `yaml:"description,omitempty"`
	Options     StringList           `yaml:"options,omitempty"` // delta, detouched, compressed
	Fields      map[string]*FieldDef `yaml:"fields"`
	Unique      map[string][]string  `yaml:"unique,omitempty"`
	Roles       []*RoleDef           `yaml:"roles,omitempty"`
}

// FieldDef defines a field. Which members apply depends on Type.
type FieldDef struct {
	Type      string     `yaml:"type"`
	Flags     StringList `yaml:"flags,omitempty"`
	Transform string     `yaml:"transform,omitempty"`
	Default   any        `yaml:"default,omitempty"`

	// text, bytes, password
	MinLength int    `yaml:"min_length,omitempty"`
	MaxLength int    `yaml:"max_length,omitempty"`
	Salt      string `yaml:"salt,omitempty"`

	// object, set, view
	Scheme   string `yaml:"scheme,omitempty"`
	OnRemove string `yaml:"on_remove,omitempty"`
	Linkage  string `yaml:"linkage,omitempty"`
	Link     string `yaml:"link,omitempty"`

	// array
	Element *FieldDef `yaml:"element,omitempty"`

	// extra
	Fields map[string]*FieldDef `yaml:"fields,omitempty"`

	// file, image
	MaxSize      int64          `yaml:"max_size,omitempty"`
	AllowedTypes StringList     `yaml:"allowed_types,omitempty"`
	Thumbnails   []ThumbnailDef `yaml:"thumbnails,omitempty"`

	// view, fulltext
	Requires StringList     `yaml:"requires,omitempty"`
	Delta    bool           `yaml:"delta,omitempty"`
	Filter   map[string]any `yaml:"filter,omitempty"`
	Language string         `yaml:"language,omitempty"`
	Title    string         `yaml:"title,omitempty"`
	Body     StringList     `yaml:"body,omitempty"`
}

// ThumbnailDef is one derived size of an image field.
type ThumbnailDef struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// RoleDef grants operations to role ids. Preset is "default" or "admin";
// Allow adds operations on top of it.
type RoleDef struct {
	Users  StringList `yaml:"users"`
	Preset string     `yaml:"preset,omitempty"`
	Allow  StringList `yaml:"allow,omitempty"`
}

// StringList accepts either a YAML list or a single comma separated string.
type StringList []string

// UnmarshalYAML handles both `flags: [required, unique]` and
// `flags: required, unique`.
func (l *StringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		*l = list
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*l = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}
