package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// 001_jobs_and_task_mapping.up.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the source holds no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidFilename is returned for a .sql file outside the NNN_name.(up|down).sql convention.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up or down script has no counterpart.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when versions do not run contiguously from 001.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrDuplicateVersion is returned when two migrations share a version with different names.
	ErrDuplicateVersion = errors.New("duplicate migration version")
)

// MigrationFile describes one parsed migration script.
type MigrationFile struct {
	Version   int
	Name      string
	Direction string
	Filename  string
	Checksum  string
}

// MigrationSource reads and validates the migration scripts compiled into the binary.
type MigrationSource struct {
	fs fs.FS
}

// NewMigrationSource wraps fsys. A nil fsys selects the embedded scripts.
func NewMigrationSource(fsys fs.FS) *MigrationSource {
	if fsys == nil {
		fsys = embeddedMigrations
	}

	return &MigrationSource{fs: fsys}
}

// FS returns the underlying filesystem for the golang-migrate iofs driver.
func (s *MigrationSource) FS() fs.FS {
	return s.fs
}

// Files parses every .sql file, sorted by version then direction (down before up).
// A .sql file with a malformed name is an error rather than being skipped.
func (s *MigrationSource) Files() ([]MigrationFile, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	files := make([]MigrationFile, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		file, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := fs.ReadFile(s.fs, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		file.Checksum = hex.EncodeToString(sum[:])

		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Version != files[j].Version {
			return files[i].Version < files[j].Version
		}

		return files[i].Direction < files[j].Direction
	})

	return files, nil
}

// Validate checks naming, up/down pairing and that versions run 001..N without gaps.
func (s *MigrationSource) Validate() error {
	files, err := s.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	type pair struct {
		name     string
		up, down bool
	}

	versions := make(map[int]*pair)

	for _, f := range files {
		p, ok := versions[f.Version]
		if !ok {
			p = &pair{name: f.Name}
			versions[f.Version] = p
		}

		if p.name != f.Name {
			return fmt.Errorf("%w: %03d is used by %s and %s", ErrDuplicateVersion, f.Version, p.name, f.Name)
		}

		if f.Direction == "up" {
			p.up = true
		} else {
			p.down = true
		}
	}

	for version := 1; version <= len(versions); version++ {
		p, ok := versions[version]
		if !ok {
			return fmt.Errorf("%w: expected %03d", ErrSequenceGap, version)
		}

		if !p.up || !p.down {
			return fmt.Errorf("%w: %03d_%s needs both up and down scripts", ErrUnpairedMigration, version, p.name)
		}
	}

	return nil
}

// LatestVersion returns the highest version in the source, or 0 when it is empty or unreadable.
func (s *MigrationSource) LatestVersion() int {
	files, err := s.Files()
	if err != nil || len(files) == 0 {
		return 0
	}

	return files[len(files)-1].Version
}

func parseMigrationFilename(filename string) (MigrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return MigrationFile{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil || version == 0 {
		return MigrationFile{}, fmt.Errorf("%w: %s has version 000", ErrInvalidFilename, filename)
	}

	return MigrationFile{
		Version:   version,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}
