package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Direction marks a migration file as forward or reverse
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// MigrationFile is a discovered, parsed migration on disk. It is rebuilt on
// every scan and never persisted; the ledger records only its identity and
// checksum.
type MigrationFile struct {
	Version    string    // 14-digit timestamp, YYYYMMDDhhmmss
	Module     string    // directory name under the base path
	Name       string    // descriptive slug from the filename
	Direction  Direction // up or down
	Content    string    // raw SQL text
	Checksum   string    // SHA-256 hex digest of Content
	Path       string    // absolute path, for diagnostics
	Reversible bool      // true when a paired down file exists
}

// Options controls a discovery scan
type Options struct {
	Module      string   // restrict to a single module; empty means all
	IncludeDown bool     // include down files in the result
	Extensions  []string // allowed extensions; defaults to ["sql"]
}

// Filename layout: {version}_{name}.{ext} for up, {version}_{name}.down.{ext}
// for down, inside a {module}/ directory under the base path.
var (
	filenameRegex = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)$`)
	moduleRegex   = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Discover walks the base path and returns the parsed migration set sorted
// ascending by version, with module as tie-break between the up and down
// halves of a version. A malformed file or a duplicate (version, direction)
// pair aborts the scan: a corrupt migration set must not proceed.
func Discover(basePath string, opts Options) ([]MigrationFile, error) {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = []string{"sql"}
	}

	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path %s: %w", basePath, err)
	}
	if info, err := os.Stat(absBase); err != nil {
		return nil, fmt.Errorf("failed to read migration directory %s: %w", basePath, err)
	} else if !info.IsDir() {
		return nil, &MalformedFileError{Path: absBase, Reason: "base path is not a directory"}
	}

	var files []MigrationFile
	seen := make(map[string]string) // version+direction -> path

	err = filepath.WalkDir(absBase, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if entry.IsDir() {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if !containsString(extensions, ext) {
			// Not a migration file; the extension filter is the only
			// silent opt-out.
			return nil
		}

		file, parseErr := parseFile(absBase, path, ext)
		if parseErr != nil {
			return parseErr
		}

		key := file.Version + ":" + string(file.Direction)
		if prev, ok := seen[key]; ok {
			return &DuplicateMigrationError{
				Version:   file.Version,
				Direction: file.Direction,
				Paths:     []string{prev, path},
			}
		}
		seen[key] = path

		if opts.Module != "" && file.Module != opts.Module {
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("failed to read migration file %s: %w", path, readErr)
		}
		file.Content = string(content)
		file.Checksum = ChecksumOf(file.Content)

		files = append(files, *file)
		return nil
	})
	if err != nil {
		return nil, err
	}

	markReversible(files)

	if err := checkOrphanDowns(files); err != nil {
		return nil, err
	}

	if !opts.IncludeDown {
		kept := files[:0]
		for _, f := range files {
			if f.Direction == DirectionUp {
				kept = append(kept, f)
			}
		}
		files = kept
	}

	// Explicit ordering: filesystem iteration order is never relied upon.
	sort.Slice(files, func(i, j int) bool {
		if files[i].Version != files[j].Version {
			return files[i].Version < files[j].Version
		}
		if files[i].Module != files[j].Module {
			return files[i].Module < files[j].Module
		}
		return files[i].Direction < files[j].Direction
	})

	return files, nil
}

// parseFile extracts version, module, name and direction from a candidate path
func parseFile(basePath, path, ext string) (*MigrationFile, error) {
	relPath, err := filepath.Rel(basePath, path)
	if err != nil {
		return nil, fmt.Errorf("failed to relativize %s: %w", path, err)
	}

	parts := strings.Split(relPath, string(filepath.Separator))
	if len(parts) != 2 {
		return nil, &MalformedFileError{
			Path:   path,
			Reason: "expected layout {module}/{version}_{name}." + ext,
		}
	}

	module := parts[0]
	if !moduleRegex.MatchString(module) {
		return nil, &MalformedFileError{
			Path:   path,
			Reason: fmt.Sprintf("module directory %q must match [a-z0-9_]+", module),
		}
	}

	filename := parts[1]
	base := strings.TrimSuffix(filename, "."+ext)
	direction := DirectionUp
	if strings.HasSuffix(base, ".down") {
		direction = DirectionDown
		base = strings.TrimSuffix(base, ".down")
	}

	matches := filenameRegex.FindStringSubmatch(base)
	if matches == nil {
		return nil, &MalformedFileError{
			Path:   path,
			Reason: "filename must match {14-digit-version}_{name}." + ext,
		}
	}

	return &MigrationFile{
		Version:   matches[1],
		Module:    module,
		Name:      matches[2],
		Direction: direction,
		Path:      path,
	}, nil
}

// markReversible flags up files that have a matching down file
func markReversible(files []MigrationFile) {
	downs := make(map[string]bool)
	for _, f := range files {
		if f.Direction == DirectionDown {
			downs[f.Version+":"+f.Module+":"+f.Name] = true
		}
	}
	for i := range files {
		if files[i].Direction == DirectionUp {
			files[i].Reversible = downs[files[i].Version+":"+files[i].Module+":"+files[i].Name]
		}
	}
}

// checkOrphanDowns rejects versions that have a down file but no up file
func checkOrphanDowns(files []MigrationFile) error {
	ups := make(map[string]bool)
	for _, f := range files {
		if f.Direction == DirectionUp {
			ups[f.Version] = true
		}
	}
	for _, f := range files {
		if f.Direction == DirectionDown && !ups[f.Version] {
			return &MalformedFileError{
				Path:   f.Path,
				Reason: "down migration has no matching up migration",
			}
		}
	}
	return nil
}

// ChecksumOf computes the SHA-256 hex digest of migration content
func ChecksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
