package postgres

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
	"strings"
)

const migrationsGlob = "sql/migrations/*.sql"

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	// 000001_inventory.up.sql
	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// migration - пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
	// Checksum - sha256 up-скрипта; сохраняется при применении и сверяется потом.
	Checksum string
}

func (m migration) label() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// loadMigrations читает скрипты из fsys и возвращает их по возрастанию версии.
// Каждой версии нужны оба направления, имена up и down должны совпадать.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		version, name, direction, err := parseMigrationFile(base)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", base, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, name)
		}

		target := &m.UpSQL
		if direction == "down" {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s is defined twice", base)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		m.Checksum = checksum(m.UpSQL)
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func parseMigrationFile(base string) (version int64, name, direction string, err error) {
	matches := migrationFilePattern.FindStringSubmatch(base)
	if matches == nil {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err = strconv.ParseInt(matches[1], 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("invalid migration version in %s", base)
	}
	return version, matches[2], matches[3], nil
}

// appliedMigration - запись о применённой версии.
type appliedMigration struct {
	Name     string
	Checksum string
}

// ErrMigrationDrift: применённый скрипт изменён после установки.
var ErrMigrationDrift = errors.New("applied migration differs from embedded script")

// verifyApplied сверяет применённые версии со встроенными скриптами и возвращает
// расходящиеся. Версия без скрипта тоже считается расхождением: бинарник старее схемы.
func verifyApplied(migrations []migration, applied map[int64]appliedMigration) []string {
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m
	}

	var drifted []string
	for version, rec := range applied {
		m, ok := known[version]
		switch {
		case !ok:
			drifted = append(drifted, fmt.Sprintf("%06d_%s (unknown to this build)", version, rec.Name))
		case rec.Checksum != "" && rec.Checksum != m.Checksum:
			drifted = append(drifted, m.label())
		}
	}
	sort.Strings(drifted)
	return drifted
}
