package histmine

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/sillage/timeconv"
)

// Config configures the miner.
type Config struct {
	// Sources lists the history databases to mine, in order. Empty
	// means DiscoverSources at startup.
	Sources []BrowserSource `json:"sources" yaml:"sources"`

	// MaxRows caps rows read per source per run. The per-owner setting
	// overrides this when smaller. Default: 500.
	MaxRows int `json:"max_rows" yaml:"max_rows"`

	// Interval between scheduled runs. Default: 1h.
	Interval time.Duration `json:"interval" yaml:"interval"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxRows <= 0 {
		c.MaxRows = 500
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DiscoverSources probes well-known profile locations and returns the
// history databases that exist on this machine.
func DiscoverSources() []BrowserSource {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	probes := []struct {
		key     string
		browser timeconv.Browser
		paths   []string
	}{
		{"chrome", timeconv.Chrome, []string{
			filepath.Join(home, ".config/google-chrome/Default/History"),
			filepath.Join(home, "Library/Application Support/Google/Chrome/Default/History"),
		}},
		{"chromium", timeconv.Chromium, []string{
			filepath.Join(home, ".config/chromium/Default/History"),
		}},
		{"brave", timeconv.Brave, []string{
			filepath.Join(home, ".config/BraveSoftware/Brave-Browser/Default/History"),
			filepath.Join(home, "Library/Application Support/BraveSoftware/Brave-Browser/Default/History"),
		}},
		{"edge", timeconv.Edge, []string{
			filepath.Join(home, ".config/microsoft-edge/Default/History"),
			filepath.Join(home, "Library/Application Support/Microsoft Edge/Default/History"),
		}},
		{"safari", timeconv.Safari, []string{
			filepath.Join(home, "Library/Safari/History.db"),
		}},
	}

	var sources []BrowserSource
	for _, p := range probes {
		for _, path := range p.paths {
			if _, err := os.Stat(path); err == nil {
				sources = append(sources, BrowserSource{Key: p.key, Browser: p.browser, Path: path})
				break
			}
		}
	}

	// Firefox keeps places.sqlite under a randomized profile directory.
	for _, base := range []string{
		filepath.Join(home, ".mozilla/firefox"),
		filepath.Join(home, "Library/Application Support/Firefox/Profiles"),
	} {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(base, e.Name(), "places.sqlite")
			if _, err := os.Stat(path); err == nil {
				sources = append(sources, BrowserSource{
					Key:     "firefox-" + e.Name(),
					Browser: timeconv.Firefox,
					Path:    path,
				})
			}
		}
	}

	return sources
}
