package resources

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/Oudwins/storyd/internals/workflow"
)

const (
	ScriptFile = "script_data.json"
	ImageDir   = "image"
	SpeechDir  = "speech"
	OutputFile = "output.mp4"
)

// rule discovers the files of one artifact type, relative to a task directory.
type rule struct {
	file    string
	dir     string
	pattern *regexp.Regexp
}

var rules = map[workflow.Artifact]rule{
	workflow.ArtifactJSON:  {file: ScriptFile},
	workflow.ArtifactImage: {dir: ImageDir, pattern: regexp.MustCompile(`^p(\d+)\.png$`)},
	workflow.ArtifactAudio: {dir: SpeechDir, pattern: regexp.MustCompile(`^s(\d+)(?:_(\d+))?\.wav$`)},
	workflow.ArtifactVideo: {file: OutputFile},
}

func ruleFor(artifact workflow.Artifact) (rule, error) {
	r, ok := rules[artifact]
	if !ok {
		return rule{}, errors.New("no discovery rule for artifact " + string(artifact))
	}
	return r, nil
}

func (r rule) discover(taskDir string) ([]string, error) {
	if r.file != "" {
		info, err := os.Lstat(filepath.Join(taskDir, r.file))
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return []string{}, nil
		}
		return []string{r.file}, nil
	}

	entries, err := os.ReadDir(filepath.Join(taskDir, r.dir))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	type match struct {
		name string
		keys []int
	}
	matches := make([]match, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		groups := r.pattern.FindStringSubmatch(entry.Name())
		if groups == nil {
			continue
		}
		keys := make([]int, 0, len(groups)-1)
		for _, group := range groups[1:] {
			n, _ := strconv.Atoi(group)
			keys = append(keys, n)
		}
		matches = append(matches, match{name: entry.Name(), keys: keys})
	}

	sort.Slice(matches, func(i, j int) bool {
		for k := range matches[i].keys {
			if matches[i].keys[k] != matches[j].keys[k] {
				return matches[i].keys[k] < matches[j].keys[k]
			}
		}
		return matches[i].name < matches[j].name
	})

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, filepath.Join(r.dir, m.name))
	}
	return paths, nil
}
