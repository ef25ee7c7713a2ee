// Package i18n renders localized, user-facing notices for rejected commands.
//
// Notices are keyed by permission reason first and error code second, so a
// denial can say "you may only move your own token" instead of a generic
// "forbidden".
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the fallback locale for every lookup.
const BaseLocale = "en-US"

//go:embed locales/*.yaml
var localeFS embed.FS

type localeFile struct {
	Locale  string            `yaml:"locale"`
	Notices map[string]string `yaml:"notices"`
}

// Catalog holds notices for every loaded locale.
type Catalog struct {
	builder *catalog.Builder
	matcher language.Matcher
	tags    []language.Tag
	keys    map[string]struct{}
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded locale files.
func Default() *Catalog {
	defaultOnce.Do(func() {
		cat, err := Load(localeFS)
		if err != nil {
			panic(fmt.Sprintf("load embedded notices: %v", err))
		}
		defaultCatalog = cat
	})
	return defaultCatalog
}

// Load parses locales/*.yaml from fsys.
func Load(fsys fs.FS) (*Catalog, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locales: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no locale files found")
	}
	sort.Strings(paths)

	base := language.MustParse(BaseLocale)
	cat := &Catalog{
		builder: catalog.NewBuilder(catalog.Fallback(base)),
		keys:    map[string]struct{}{},
	}
	// The base locale leads the matcher list so unmatched requests fall back to it.
	cat.tags = append(cat.tags, base)

	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var file localeFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		tag, err := language.Parse(strings.TrimSpace(file.Locale))
		if err != nil {
			return nil, fmt.Errorf("locale in %s: %w", path, err)
		}
		for key, notice := range file.Notices {
			if err := cat.builder.SetString(tag, key, notice); err != nil {
				return nil, fmt.Errorf("register %s/%s: %w", tag, key, err)
			}
			cat.keys[key] = struct{}{}
		}
		if tag != base {
			cat.tags = append(cat.tags, tag)
		}
	}
	cat.matcher = language.NewMatcher(cat.tags)
	return cat, nil
}

// Supported returns the loaded locale tags, base locale first.
func (c *Catalog) Supported() []language.Tag {
	return append([]language.Tag(nil), c.tags...)
}

// ResolveTag picks the best supported locale for an Accept-Language style
// value, or a single tag such as "pt-BR".
func (c *Catalog) ResolveTag(accept string) language.Tag {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return c.tags[0]
	}
	wanted, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(wanted) == 0 {
		return c.tags[0]
	}
	_, index, confidence := c.matcher.Match(wanted...)
	if confidence == language.No {
		return c.tags[0]
	}
	return c.tags[index]
}

// Notice returns the localized text for the first key that has one. Empty
// keys are skipped; "" is returned when no key is known.
func (c *Catalog) Notice(tag language.Tag, keys ...string) string {
	printer := message.NewPrinter(tag, message.Catalog(c.builder))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := c.keys[key]; !ok {
			continue
		}
		return printer.Sprintf(key)
	}
	return ""
}
