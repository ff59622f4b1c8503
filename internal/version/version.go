package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/ordersdata/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает сборку сервиса.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var (
	once    sync.Once
	current Build
)

// Get возвращает сведения о сборке. Если ldflags не заданы, commit и date берутся
// из VCS-меток, которые go build записывает в бинарь.
func Get() Build {
	once.Do(func() {
		current = resolve(version, commit, date, debug.ReadBuildInfo)
	})
	return current
}

func resolve(v, c, d string, read func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d}
	info, ok := read()
	if !ok || info == nil {
		return b
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && setting.Value != "" {
				b.Commit = setting.Value
			}
		case "vcs.time":
			if b.Date == "unknown" && setting.Value != "" {
				b.Date = setting.Value
			}
		}
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	return b
}

func GetVersion() string { return Get().Version }

func (b Build) String() string {
	return fmt.Sprintf("ordersdata version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

func String() string { return Get().String() }
