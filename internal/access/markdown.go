package access

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

type mdSection int

const (
	sectionNone mdSection = iota
	sectionGroups
	sectionRoles
)

type mdTable struct {
	header []string
	rows   [][]string
	lines  []int
}

// ParseMarkdown reads a role table written as two markdown tables:
//
//	# User Groups
//	| Name | Path | Display Name | Access Level | Scope |
//	# Role Mappings
//	| Roles | <group> | <group> ... |
//
// A cell containing "x" grants the row's role to the column's group.
func ParseMarkdown(r io.Reader) (*Table, error) {
	var (
		section = sectionNone
		groups  mdTable
		roles   mdTable
		lineNo  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#"):
			heading := strings.ToLower(strings.TrimLeft(line, "# "))
			switch {
			case strings.HasPrefix(heading, "user groups"):
				section = sectionGroups
			case strings.HasPrefix(heading, "role mappings"):
				section = sectionRoles
			default:
				section = sectionNone
			}
		case strings.HasPrefix(line, "|"):
			var target *mdTable
			switch section {
			case sectionGroups:
				target = &groups
			case sectionRoles:
				target = &roles
			default:
				continue
			}
			cells := splitRow(line)
			if isSeparator(cells) {
				continue
			}
			if target.header == nil {
				target.header = cells
				continue
			}
			target.rows = append(target.rows, cells)
			target.lines = append(target.lines, lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if groups.header == nil {
		return nil, fmt.Errorf("%w: missing user groups table", ErrInvalidTable)
	}
	if roles.header == nil {
		return nil, fmt.Errorf("%w: missing role mappings table", ErrInvalidTable)
	}

	defs, err := parseGroups(groups)
	if err != nil {
		return nil, err
	}
	if err := applyRoles(defs, roles); err != nil {
		return nil, err
	}
	return NewTable(defs)
}

func parseGroups(tbl mdTable) ([]Group, error) {
	cols := map[string]int{}
	for i, h := range tbl.header {
		cols[strings.ToLower(h)] = i
	}
	required := []string{"name", "path", "display name", "access level", "scope"}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: user groups table has no %q column", ErrInvalidTable, name)
		}
	}
	cell := func(row []string, col string) string {
		idx := cols[col]
		if idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	defs := make([]Group, 0, len(tbl.rows))
	for i, row := range tbl.rows {
		level, err := ParseAccessLevel(cell(row, "access level"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidTable, tbl.lines[i], err)
		}
		scope, err := ParseScope(cell(row, "scope"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidTable, tbl.lines[i], err)
		}
		defs = append(defs, Group{
			Name:        cell(row, "name"),
			Path:        cell(row, "path"),
			DisplayName: cell(row, "display name"),
			Level:       level,
			Scope:       scope,
		})
	}
	return defs, nil
}

func applyRoles(defs []Group, tbl mdTable) error {
	index := make(map[string]int, len(defs))
	for i, g := range defs {
		index[strings.TrimSpace(g.Name)] = i
	}
	columns := make([]int, len(tbl.header))
	for i, h := range tbl.header {
		if i == 0 {
			continue
		}
		idx, ok := index[h]
		if !ok {
			return fmt.Errorf("%w: role mappings column %q is not a declared group", ErrInvalidTable, h)
		}
		columns[i] = idx
	}
	for i, row := range tbl.rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		action, err := ParseResourceAction(row[0])
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidTable, tbl.lines[i], err)
		}
		for col := 1; col < len(row) && col < len(columns); col++ {
			if strings.EqualFold(row[col], "x") {
				g := &defs[columns[col]]
				g.Roles = append(g.Roles, action)
			}
		}
	}
	return nil
}

func splitRow(line string) []string {
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparator(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// WriteMarkdown renders t in the format ParseMarkdown reads.
func (t *Table) WriteMarkdown(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# User Groups")
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "| Name | Path | Display Name | Access Level | Scope |")
	fmt.Fprintln(bw, "| ---- | ---- | ------------ | ------------ | ----- |")
	for _, g := range t.groups {
		fmt.Fprintf(bw, "| %s | %s | %s | %s | %s |\n", g.Name, g.Path, g.DisplayName, g.Level, g.Scope)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "# Role Mappings")
	fmt.Fprintln(bw)

	header := []string{"Roles"}
	sep := []string{"-----"}
	for _, g := range t.groups {
		header = append(header, g.Name)
		sep = append(sep, strings.Repeat("-", len(g.Name)))
	}
	fmt.Fprintf(bw, "| %s |\n", strings.Join(header, " | "))
	fmt.Fprintf(bw, "| %s |\n", strings.Join(sep, " | "))

	for _, action := range AllResourceActions() {
		row := []string{action.String()}
		granted := false
		for _, g := range t.groups {
			mark := ""
			for _, r := range g.Roles {
				if r == action {
					mark = "x"
					granted = true
					break
				}
			}
			row = append(row, mark)
		}
		if granted {
			fmt.Fprintf(bw, "| %s |\n", strings.Join(row, " | "))
		}
	}
	return bw.Flush()
}
