package access

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type tableDoc struct {
	Groups []groupDoc `yaml:"groups"`
}

type groupDoc struct {
	Name        string   `yaml:"name"`
	Path        string   `yaml:"path,omitempty"`
	DisplayName string   `yaml:"display_name,omitempty"`
	AccessLevel string   `yaml:"access_level"`
	Scope       string   `yaml:"scope"`
	Roles       []string `yaml:"roles,omitempty"`
}

// LoadYAML reads a role table from its YAML form.
func LoadYAML(r io.Reader) (*Table, error) {
	var doc tableDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	groups := make([]Group, 0, len(doc.Groups))
	for _, gd := range doc.Groups {
		level, err := ParseAccessLevel(gd.AccessLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidTable, gd.Name, err)
		}
		scope, err := ParseScope(gd.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidTable, gd.Name, err)
		}
		g := Group{
			Name:        gd.Name,
			Path:        gd.Path,
			DisplayName: gd.DisplayName,
			Level:       level,
			Scope:       scope,
		}
		for _, token := range gd.Roles {
			action, err := ParseResourceAction(token)
			if err != nil {
				return nil, fmt.Errorf("%w: group %s: %v", ErrInvalidTable, gd.Name, err)
			}
			g.Roles = append(g.Roles, action)
		}
		groups = append(groups, g)
	}
	return NewTable(groups)
}

// WriteYAML renders t in the form LoadYAML reads.
func (t *Table) WriteYAML(w io.Writer) error {
	doc := tableDoc{Groups: make([]groupDoc, 0, len(t.groups))}
	for _, g := range t.groups {
		gd := groupDoc{
			Name:        g.Name,
			Path:        g.Path,
			DisplayName: g.DisplayName,
			AccessLevel: g.Level.String(),
			Scope:       g.Scope.String(),
		}
		for _, r := range g.Roles {
			gd.Roles = append(gd.Roles, r.String())
		}
		doc.Groups = append(doc.Groups, gd)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
