package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when no artifact matches the requested name.
	ErrNotFound = errors.New("artifact not found")

	// ErrAmbiguous is returned when a bare contract name matches several artifacts.
	ErrAmbiguous = errors.New("artifact name is ambiguous")
)

// Resolver maps a contract identifier to its compiled artifact.
type Resolver interface {
	Resolve(name string) (*Artifact, error)
}

// DirResolver resolves artifacts from a Hardhat artifacts/ or Foundry out/ tree.
type DirResolver struct {
	Root string
}

// NewDirResolver creates a resolver rooted at dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{Root: dir}
}

// Resolve finds the artifact for name. Name is either a bare contract name
// ("StopLoss") or a fully qualified one ("contracts/StopLoss.sol:StopLoss").
func (r *DirResolver) Resolve(name string) (*Artifact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty contract name", ErrNotFound)
	}

	source, contract := splitQualified(name)

	candidates, err := r.candidates(contract)
	if err != nil {
		return nil, err
	}

	var matches []*Artifact
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		a, err := Parse(data)
		if err != nil {
			// Not every JSON file in the tree is an artifact
			continue
		}
		a.Path = path
		if a.ContractName == "" {
			a.ContractName = contract
		}
		if a.SourceName == "" {
			a.SourceName = sourceFromPath(r.Root, path)
		}
		if a.ContractName != contract {
			continue
		}
		if source != "" && !sourceMatches(a.SourceName, source) {
			continue
		}
		matches = append(matches, a)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s (searched %s)", ErrNotFound, name, r.Root)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.FullyQualifiedName())
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %s matches %s; use a fully qualified name", ErrAmbiguous, name, strings.Join(names, ", "))
	}
}

// candidates lists <contract>.json files under the root, skipping debug
// files and build-info directories.
func (r *DirResolver) candidates(contract string) ([]string, error) {
	info, err := os.Stat(r.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: artifacts directory %s: %v", ErrNotFound, r.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, r.Root)
	}

	want := contract + ".json"
	var paths []string
	err = filepath.WalkDir(r.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == want {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", r.Root, err)
	}
	return paths, nil
}

// splitQualified splits "path/Source.sol:Contract".
func splitQualified(name string) (source, contract string) {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// sourceFromPath derives the source name from the artifact layout, where
// the parent directory is named after the source file.
func sourceFromPath(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// sourceMatches accepts either the full source path or, for Foundry layouts
// that drop directories, just its file name.
func sourceMatches(have, want string) bool {
	if have == want {
		return true
	}
	return filepath.Base(have) == filepath.Base(want) && !strings.Contains(have, "/")
}

// BuildInfo describes how an artifact was compiled.
type BuildInfo struct {
	SolcVersion      string
	OptimizerEnabled bool
	OptimizerRuns    int
}

type optimizerSettings struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// BuildInfo returns compiler details for the artifact, from Foundry's
// embedded metadata or Hardhat's build-info file. It returns nil without
// error when the artifact carries no build information.
func (a *Artifact) BuildInfo() (*BuildInfo, error) {
	if len(a.Metadata) > 0 {
		return parseFoundryMetadata(a.Metadata)
	}
	if a.Path == "" {
		return nil, nil
	}
	return readHardhatBuildInfo(a.Path)
}

func parseFoundryMetadata(raw json.RawMessage) (*BuildInfo, error) {
	// Older forge versions store metadata as a JSON string
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}

	var meta struct {
		Compiler struct {
			Version string `json:"version"`
		} `json:"compiler"`
		Settings struct {
			Optimizer optimizerSettings `json:"optimizer"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &BuildInfo{
		SolcVersion:      meta.Compiler.Version,
		OptimizerEnabled: meta.Settings.Optimizer.Enabled,
		OptimizerRuns:    meta.Settings.Optimizer.Runs,
	}, nil
}

func readHardhatBuildInfo(artifactPath string) (*BuildInfo, error) {
	dbgPath := strings.TrimSuffix(artifactPath, ".json") + ".dbg.json"
	data, err := os.ReadFile(dbgPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dbgPath, err)
	}

	var dbg struct {
		BuildInfo string `json:"buildInfo"`
	}
	if err := json.Unmarshal(data, &dbg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", dbgPath, err)
	}
	if dbg.BuildInfo == "" {
		return nil, nil
	}

	buildInfoPath := filepath.Join(filepath.Dir(dbgPath), filepath.FromSlash(dbg.BuildInfo))
	data, err = os.ReadFile(buildInfoPath)
	if err != nil {
		return nil, fmt.Errorf("read build info: %w", err)
	}

	var bi struct {
		SolcVersion string `json:"solcVersion"`
		Input       struct {
			Settings struct {
				Optimizer optimizerSettings `json:"optimizer"`
			} `json:"settings"`
		} `json:"input"`
	}
	if err := json.Unmarshal(data, &bi); err != nil {
		return nil, fmt.Errorf("parse build info: %w", err)
	}
	return &BuildInfo{
		SolcVersion:      bi.SolcVersion,
		OptimizerEnabled: bi.Input.Settings.Optimizer.Enabled,
		OptimizerRuns:    bi.Input.Settings.Optimizer.Runs,
	}, nil
}
