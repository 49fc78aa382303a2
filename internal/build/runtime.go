package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Project types reported by detection.
const (
	TypeDocker  = "docker"
	TypeNode    = "nodejs"
	TypePython  = "python"
	TypeGo      = "go"
	TypeRust    = "rust"
	TypePHP     = "php"
	TypeJava    = "java"
	TypeDotnet  = "dotnet"
	TypeRuby    = "ruby"
	TypeStatic  = "static"
	TypeUnknown = "unknown"
)

type manifestProbe struct {
	file string
	typ  string
}

// Probed in order; first hit wins.
var manifestProbes = []manifestProbe{
	{"package.json", TypeNode},
	{"requirements.txt", TypePython},
	{"pyproject.toml", TypePython},
	{"go.mod", TypeGo},
	{"Cargo.toml", TypeRust},
	{"pom.xml", TypeJava},
	{"build.gradle", TypeJava},
	{"build.gradle.kts", TypeJava},
	{"composer.json", TypePHP},
	{"Gemfile", TypeRuby},
}

var suffixProbes = map[string]string{
	".csproj": TypeDotnet,
	".fsproj": TypeDotnet,
	".sln":    TypeDotnet,
}

// detectProjectType inspects manifests, then file suffixes, then index.html.
func detectProjectType(dir string) string {
	for _, p := range manifestProbes {
		if fileExists(filepath.Join(dir, p.file)) {
			return p.typ
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return TypeUnknown
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if typ, ok := suffixProbes[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			return typ
		}
	}
	if fileExists(filepath.Join(dir, "index.html")) {
		return TypeStatic
	}
	return TypeUnknown
}

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func isNextManifest(m *npmManifest) bool {
	if m == nil {
		return false
	}
	if m.hasDependency("next") {
		return true
	}
	for _, script := range m.Scripts {
		if strings.Contains(strings.ToLower(script), "next ") {
			return true
		}
	}
	return false
}

func detectNodePackageManager(dir string, m *npmManifest) nodePackageManager {
	if m != nil {
		value := strings.ToLower(strings.TrimSpace(m.PackageManager))
		if idx := strings.Index(value, "@"); idx > 0 {
			value = value[:idx]
		}
		switch value {
		case "yarn":
			return nodePMYarn
		case "pnpm":
			return nodePMPNPM
		case "npm":
			return nodePMNPM
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func usesGradle(dir string) bool {
	for _, name := range []string{"gradlew", "build.gradle", "build.gradle.kts"} {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}
