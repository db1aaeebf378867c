package channel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"gopkg.in/yaml.v3"
)

const (
	// Baseline is the channel used when nothing else selects one.
	Baseline = "stable"
	// Auto is the config default meaning "let the tool decide".
	Auto = "auto"
	// LocalConfigFile is read from the unpacked component.
	LocalConfigFile = "config.yaml"
)

// LocalConfig carries the channel default a component declares in its own
// config.yaml under options.channel.default.
type LocalConfig struct {
	Default string
	Set     bool
}

type localConfigFile struct {
	Options map[string]struct {
		Default interface{} `yaml:"default"`
	} `yaml:"options"`
}

// LoadLocalConfig reads config.yaml from componentDir. A missing file or a
// missing key yields an unset LocalConfig.
func LoadLocalConfig(componentDir string) (LocalConfig, error) {
	path := filepath.Join(componentDir, LocalConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Logger().Debugf("%s not found, channel falls back to %s", path, Baseline)
			return LocalConfig{}, nil
		}
		return LocalConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseLocalConfig(data)
}

// ParseLocalConfig extracts the channel default from config.yaml content.
func ParseLocalConfig(data []byte) (LocalConfig, error) {
	var cfg localConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LocalConfig{}, fmt.Errorf("parsing %s: %w", LocalConfigFile, err)
	}
	opt, ok := cfg.Options["channel"]
	if !ok || opt.Default == nil {
		return LocalConfig{}, nil
	}
	return LocalConfig{Default: fmt.Sprint(opt.Default), Set: true}, nil
}

// Lookup is one optional source of a channel value.
type Lookup func() (string, bool)

// First returns the first value produced by lookups, in order.
func First(lookups ...Lookup) (string, bool) {
	for _, l := range lookups {
		if v, ok := l(); ok {
			return v, true
		}
	}
	return "", false
}

// BundleOverride looks up options.channel on the bundle's component entry.
func BundleOverride(options map[string]interface{}) Lookup {
	return func() (string, bool) {
		v, ok := options["channel"]
		if !ok || v == nil {
			return "", false
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		return s, s != ""
	}
}

// ConfigDefault looks up the component's own default. The Auto sentinel
// counts as absent.
func ConfigDefault(local LocalConfig) Lookup {
	return func() (string, bool) {
		v := strings.TrimSpace(local.Default)
		if !local.Set || v == "" || v == Auto {
			return "", false
		}
		return v, true
	}
}

// Fixed always yields v.
func Fixed(v string) Lookup {
	return func() (string, bool) { return v, true }
}

// Resolve computes the snap channel of a component: the bundle override,
// else the component's config default, else Baseline.
func Resolve(bundleOptions map[string]interface{}, local LocalConfig) string {
	ch, _ := First(
		BundleOverride(bundleOptions),
		ConfigDefault(local),
		Fixed(Baseline),
	)
	return ch
}

// Segments splits a channel such as "1.28/stable" into path elements.
func Segments(ch string) []string {
	var out []string
	for _, p := range strings.Split(ch, "/") {
		if p = strings.TrimSpace(p); p != "" && p != "." && p != ".." {
			out = append(out, p)
		}
	}
	return out
}

// Track returns the part of a channel before the first slash.
func Track(ch string) string {
	track, _, _ := strings.Cut(ch, "/")
	return track
}
