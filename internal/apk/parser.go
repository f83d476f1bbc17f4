// Package apk parses Alpine APK installed databases and maps observed file
// accesses back to the packages that own them, so a trace window can report
// which installed packages were actually used.
package apk

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
)

// Package is one installed APK package and the files it owns.
type Package struct {
	Name    string
	Version string
	Files   []string // absolute paths
}

// Database is the parsed installed database with a reverse file index.
type Database struct {
	Packages      map[string]*Package // by package name
	FileToPackage map[string]string   // absolute file path -> package name
}

// ParseDatabase reads the APK installed database at path (normally
// /lib/apk/db/installed inside Alpine and Wolfi containers).
func ParseDatabase(dbPath string) (*Database, error) {
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("apk: open database: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an installed database from r. The format is blocks of
// single-letter "K:value" lines separated by blank lines, one block per
// package: P names the package, V its version, F sets the current directory,
// and each R names a file within the current directory.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		Packages:      make(map[string]*Package),
		FileToPackage: make(map[string]string),
	}

	var (
		pkg *Package
		dir string
	)
	flush := func() {
		if pkg != nil {
			db.Packages[pkg.Name] = pkg
			pkg = nil
		}
		dir = ""
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flush()
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			// Tolerate malformed lines rather than rejecting the database.
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'P':
			flush()
			pkg = &Package{Name: value}
		case 'V':
			if pkg != nil {
				pkg.Version = value
			}
		case 'F':
			dir = value
		case 'R':
			if pkg == nil {
				continue
			}
			file := path.Join("/", dir, value)
			pkg.Files = append(pkg.Files, file)
			// First owner wins on the rare duplicate claim.
			if _, claimed := db.FileToPackage[file]; !claimed {
				db.FileToPackage[file] = pkg.Name
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("apk: read database: %w", err)
	}
	if len(db.Packages) == 0 {
		return nil, fmt.Errorf("apk: database contains no packages")
	}
	return db, nil
}
