// Package version хранит сведения о сборке. Значения задаются через -ldflags;
// если их нет, берутся VCS-метки, которые go build встраивает в бинарник.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const (
	unknown     = "unknown"
	shortCommit = 12
)

// Build - сведения о сборке бинарника.
type Build struct {
	Version string
	Commit  string
	Date    string
	// Dirty: бинарник собран из рабочей копии с незакоммиченными изменениями.
	Dirty bool
}

var (
	once    sync.Once
	current Build
)

// Current возвращает сведения о сборке текущего процесса.
func Current() Build {
	once.Do(func() {
		current = resolve(version, commit, date, debug.ReadBuildInfo)
	})
	return current
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return Current().Version }

func resolve(v, c, d string, readBuildInfo func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d}
	if info, ok := readBuildInfo(); ok && info != nil {
		if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			b.Version = info.Main.Version
		}
		fromVCS := b.Commit == ""
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if fromVCS {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Dirty = fromVCS && s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = unknown
	}
	if len(b.Commit) > shortCommit {
		b.Commit = b.Commit[:shortCommit]
	}
	if b.Date == "" {
		b.Date = unknown
	}
	return b
}

// Fields - поля для стартовой записи лога.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"version":    b.Version,
		"commit":     b.Commit,
		"build_date": b.Date,
		"dirty":      b.Dirty,
	}
}

func (b Build) String() string {
	s := fmt.Sprintf("erp-ledger %s (commit %s, built %s)", b.Version, b.Commit, b.Date)
	if b.Dirty {
		s += " dirty"
	}
	return s
}
