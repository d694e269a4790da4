package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a migration named NNN_name.sql.
//
// The file must contain a "-- +migrate Up" marker, optionally followed by
// "notransaction". "-- +migrate Depends: 001 002" lines directly after the
// marker declare dependencies. Everything else after the marker is SQL.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	m := &Migration{
		Version: version,
		Name:    matches[2],
	}

	lines := strings.Split(string(content), "\n")

	upLine := -1
	for i, line := range lines {
		if sub := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line)); sub != nil {
			upLine = i
			m.NoTransaction = strings.TrimSpace(sub[1]) == "notransaction"
			break
		}
	}
	if upLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	var body []string
	inHeader := true
	for _, raw := range lines[upLine+1:] {
		line := strings.TrimSpace(raw)

		if inHeader {
			if sub := dependsRegex.FindStringSubmatch(line); sub != nil {
				deps, err := parseDependencies(filename, sub[1])
				if err != nil {
					return nil, err
				}
				m.Dependencies = append(m.Dependencies, deps...)
				continue
			}
			if line == "" {
				continue
			}
			inHeader = false
		}

		body = append(body, raw)
	}

	m.UpSQL = strings.TrimSpace(strings.Join(body, "\n"))
	if !containsStatement(m.UpSQL) {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return m, nil
}

func parseDependencies(filename, list string) ([]int, error) {
	fields := strings.Fields(list)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
	}

	deps := make([]int, 0, len(fields))
	for _, f := range fields {
		dep, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", f, filename)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// containsStatement reports whether sql holds anything besides comments
func containsStatement(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys,
// validates the set and returns it sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Clean(entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versions := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if versions[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		versions[m.Version] = true

		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	return migrations, nil
}

// detectCycle uses a three-color DFS to find circular dependencies.
func detectCycle(migrations []Migration) error {
	const (
		white = iota
		gray
		black
	)

	graph := make(map[int][]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
	}

	color := make(map[int]int, len(migrations))

	var visit func(node int, trail []int) error
	visit = func(node int, trail []int) error {
		color[node] = gray
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case white:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = black
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == white {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
