package context

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kolobosdimitrios/conductor/store"
)

// maxTreeDepth bounds how deep GenerateProjectMap descends when
// rendering the structure summary.
const maxTreeDepth = 3

// ignoredDirs is the fixed skip-list of VCS metadata, dependency
// caches, compiled caches and virtualenvs the project map never
// descends into.
var ignoredDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"node_modules": true, "vendor": true,
	"__pycache__": true, ".venv": true, "venv": true,
	"dist": true, "build": true, ".next": true,
	".cache": true, "target": true,
}

var languageByExt = map[string]string{
	".go": "Go", ".py": "Python", ".js": "JavaScript", ".ts": "TypeScript",
	".jsx": "React", ".tsx": "React/TypeScript", ".php": "PHP",
	".java": "Java", ".rs": "Rust", ".rb": "Ruby",
}

var entryPointCandidates = []string{
	"main.go", "cmd", "app.py", "main.py", "manage.py", "wsgi.py", "asgi.py",
	"index.js", "index.ts", "server.js", "server.py", "index.php",
}

// GenerateProjectMap walks projectPath and builds a fresh ProjectMap,
// valid for expiry.
func GenerateProjectMap(projectID, projectPath string, expiry time.Duration) (*store.ProjectMap, error) {
	var tree strings.Builder
	extCounts := map[string]int{}

	err := walkTree(projectPath, "", 0, &tree, extCounts)
	if err != nil {
		return nil, err
	}

	structure := tree.String()
	if len(structure) > 5000 {
		structure = structure[:5000] + "\n... (truncated)"
	}

	now := time.Now()
	return &store.ProjectMap{
		ProjectID:        projectID,
		StructureSummary: structure,
		TechStack:        detectTechStack(projectPath),
		EntryPoints:      detectEntryPoints(projectPath),
		PrimaryLanguage:  primaryLanguage(extCounts),
		GeneratedAt:      now,
		ExpiresAt:        now.Add(expiry),
	}, nil
}

func walkTree(root, prefix string, depth int, out *strings.Builder, extCounts map[string]int) error {
	if depth > maxTreeDepth {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() && ignoredDirs[e.Name()] {
			continue
		}
		if strings.HasPrefix(e.Name(), ".") && e.Name() != "." {
			if !e.IsDir() {
				continue
			}
		}
		out.WriteString(prefix)
		out.WriteString(e.Name())
		if e.IsDir() {
			out.WriteString("/\n")
			walkTree(filepath.Join(root, e.Name()), prefix+"  ", depth+1, out, extCounts)
			continue
		}
		out.WriteString("\n")
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != "" {
			extCounts[ext]++
		}
	}
	return nil
}

func primaryLanguage(extCounts map[string]int) string {
	best, bestCount := "", 0
	for ext, count := range extCounts {
		name, ok := languageByExt[ext]
		if !ok {
			continue
		}
		if count > bestCount {
			best, bestCount = name, count
		}
	}
	if best == "" {
		return "unknown"
	}
	return best
}

func detectEntryPoints(projectPath string) []string {
	var found []string
	for _, candidate := range entryPointCandidates {
		if _, err := os.Stat(filepath.Join(projectPath, candidate)); err == nil {
			found = append(found, candidate)
		}
	}
	return found
}

func detectTechStack(projectPath string) []string {
	var stack []string

	if data, err := os.ReadFile(filepath.Join(projectPath, "requirements.txt")); err == nil {
		reqs := strings.ToLower(string(data))
		for needle, name := range map[string]string{
			"flask": "Flask", "django": "Django", "fastapi": "FastAPI",
			"sqlalchemy": "SQLAlchemy", "pytest": "pytest",
		} {
			if strings.Contains(reqs, needle) {
				stack = append(stack, name)
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(projectPath, "package.json")); err == nil {
		pkg := strings.ToLower(string(data))
		for needle, name := range map[string]string{
			"\"react\"": "React", "\"vue\"": "Vue", "\"express\"": "Express", "\"next\"": "Next.js",
		} {
			if strings.Contains(pkg, needle) {
				stack = append(stack, name)
			}
		}
	}

	if _, err := os.Stat(filepath.Join(projectPath, "go.mod")); err == nil {
		stack = append(stack, "Go modules")
	}

	sort.Strings(stack)
	return stack
}
