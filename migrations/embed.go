package main

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filenames follow NNN_name.up.sql / NNN_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// migrationInfo is one parsed migration filename.
type migrationInfo struct {
	Sequence  int
	Name      string
	Direction string
}

// EmbeddedMigrations wraps the compiled-in migration files with naming and
// pairing validation. Embedding means the migrator binary is self-contained:
// no volume mounts, no drift between binary and schema.
type EmbeddedMigrations struct {
	fs fs.FS
}

// NewEmbeddedMigrations wraps the given filesystem, or the compiled-in
// migrations when nil.
func NewEmbeddedMigrations(filesystem fs.FS) *EmbeddedMigrations {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigrations{fs: filesystem}
}

// FS returns the migration filesystem for the migrate source driver.
func (e *EmbeddedMigrations) FS() fs.FS {
	return e.fs
}

// List returns the migration filenames that conform to the naming standard,
// sorted. Off-standard .sql files are excluded rather than guessed at.
func (e *EmbeddedMigrations) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks naming, up/down pairing, and sequence contiguity of the
// embedded migrations. Run at migrator startup so a malformed set fails
// before any statement executes.
func (e *EmbeddedMigrations) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true

		if _, err := fs.ReadFile(e.fs, file); err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return validateSequence(sequences)
}

// parseMigrationFilename splits a filename into its sequence, name, and
// direction.
func parseMigrationFilename(filename string) (*migrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename %s (expected NNN_name.up.sql or NNN_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence in filename %s: %w", filename, err)
	}

	return &migrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
	}, nil
}

// validateSequence requires sequences to start at 001 with no gaps. A gap
// usually means a migration was deleted instead of reverted.
func validateSequence(sequences map[int]bool) error {
	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if len(ordered) == 0 {
		return nil
	}

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i])
		}
	}

	return nil
}
