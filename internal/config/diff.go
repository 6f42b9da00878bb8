package config

import (
	"reflect"
	"slices"
	"strings"

	"github.com/MrWong99/tutorcall/internal/tutor"
)

// ConfigDiff describes what changed between two configs.
// Catalog, log level, and session defaults apply without restart; everything
// else is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CatalogChanged bool
	Languages      []EntryDiff
	Personas       []EntryDiff

	SessionChanged bool

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// EntryDiff describes a catalog entry that was added, removed, or modified.
type EntryDiff struct {
	Key     string
	Added   bool
	Removed bool
}

// Empty reports whether d holds no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CatalogChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed. Entries are
// sorted by key.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Languages = diffEntries(
		byKey(old.Catalog.Languages, func(l tutor.Language) string { return l.Code }),
		byKey(new.Catalog.Languages, func(l tutor.Language) string { return l.Code }),
	)
	d.Personas = diffEntries(
		byKey(old.Catalog.Personas, func(p tutor.Persona) string { return p.ID }),
		byKey(new.Catalog.Personas, func(p tutor.Persona) string { return p.ID }),
	)
	d.CatalogChanged = len(d.Languages) > 0 || len(d.Personas) > 0

	d.SessionChanged = old.Session != new.Session

	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func byKey[T comparable](items []T, key func(T) string) map[string]T {
	m := make(map[string]T, len(items))
	for _, it := range items {
		m[strings.ToLower(key(it))] = it
	}
	return m
}

func diffEntries[T comparable](old, new map[string]T) []EntryDiff {
	var out []EntryDiff
	for k, o := range old {
		n, ok := new[k]
		switch {
		case !ok:
			out = append(out, EntryDiff{Key: k, Removed: true})
		case o != n:
			out = append(out, EntryDiff{Key: k})
		}
	}
	for k := range new {
		if _, ok := old[k]; !ok {
			out = append(out, EntryDiff{Key: k, Added: true})
		}
	}
	slices.SortFunc(out, func(a, b EntryDiff) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Transport, b.Transport) &&
		entryEqual(a.Input, b.Input) &&
		entryEqual(a.Output, b.Output) &&
		entryEqual(a.Recordings, b.Recordings)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
