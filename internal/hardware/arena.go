package hardware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Zone marker files are checked in this order; none present means zone 0.
var zoneMarkers = []struct {
	file string
	zone int
}{
	{"zone1.txt", 1},
	{"zone2.txt", 2},
	{"zone3.txt", 3},
}

// DetectZone returns the starting zone marked on the arena stick mounted at
// dir.
func DetectZone(dir string) int {
	for _, m := range zoneMarkers {
		if fileExists(filepath.Join(dir, m.file)) {
			return m.zone
		}
	}
	return 0
}

// StartGraphic locates the image shown on the robot's display before a round.
type StartGraphic struct {
	// ArenaDir is the arena USB mount point.
	ArenaDir string
	// TeamNameFile holds the team name; <name>.jpg is looked up on the arena stick.
	TeamNameFile string
	// TeamLogo is the image the team uploaded with their code.
	TeamLogo string
	// GameLogo is the final fallback.
	GameLogo string
	// Destination is where the chosen image is copied.
	Destination string
}

// Candidates returns the image paths in priority order: the team's corner
// image on the arena stick, the team's own logo, the generic Corner.jpg on
// the arena stick, then the game logo.
func (g StartGraphic) Candidates() []string {
	var out []string
	if name := g.teamName(); name != "" && g.ArenaDir != "" {
		out = append(out, filepath.Join(g.ArenaDir, name+".jpg"))
	}
	if g.TeamLogo != "" {
		out = append(out, g.TeamLogo)
	}
	if g.ArenaDir != "" {
		out = append(out, filepath.Join(g.ArenaDir, "Corner.jpg"))
	}
	if g.GameLogo != "" {
		out = append(out, g.GameLogo)
	}
	return out
}

func (g StartGraphic) teamName() string {
	if g.TeamNameFile == "" {
		return ""
	}
	data, err := os.ReadFile(g.TeamNameFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Select returns the first candidate that exists.
func (g StartGraphic) Select() (string, bool) {
	for _, path := range g.Candidates() {
		if fileExists(path) {
			return path, true
		}
	}
	return "", false
}

// Install copies the selected image to Destination and returns its source.
// It returns an empty source and no error when no candidate exists.
func (g StartGraphic) Install() (string, error) {
	src, ok := g.Select()
	if !ok {
		return "", nil
	}
	if g.Destination == "" {
		return "", errors.New("hardware: start graphic destination not set")
	}
	if err := copyFile(src, g.Destination); err != nil {
		return "", fmt.Errorf("installing start graphic %s: %w", src, err)
	}
	return src, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // fixed operator path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
