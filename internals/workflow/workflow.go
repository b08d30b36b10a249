package workflow

import (
	"fmt"
)

type Artifact string

const (
	ArtifactJSON  Artifact = "json"
	ArtifactImage Artifact = "image"
	ArtifactAudio Artifact = "audio"
	ArtifactVideo Artifact = "video"
)

type SegmentDefinition struct {
	Ordinal  int      `json:"ordinal"`
	Name     string   `json:"name"`
	Artifact Artifact `json:"artifact"`
}

type Shape struct {
	Name     string              `json:"name"`
	Segments []SegmentDefinition `json:"segments"`
}

const (
	ShapeStory = "story"
	ShapeVideo = "video"
)

var shapes = []Shape{
	{
		Name: ShapeStory,
		Segments: []SegmentDefinition{
			{Ordinal: 1, Name: "Story", Artifact: ArtifactJSON},
			{Ordinal: 2, Name: "Image", Artifact: ArtifactImage},
			{Ordinal: 3, Name: "Split", Artifact: ArtifactJSON},
			{Ordinal: 4, Name: "Speech", Artifact: ArtifactAudio},
			{Ordinal: 5, Name: "Video", Artifact: ArtifactVideo},
		},
	},
	{
		Name: ShapeVideo,
		Segments: []SegmentDefinition{
			{Ordinal: 1, Name: "Video", Artifact: ArtifactVideo},
		},
	},
}

// All returns every known shape. Callers must not mutate the result.
func All() []Shape {
	return shapes
}

func Names() []string {
	names := make([]string, 0, len(shapes))
	for _, shape := range shapes {
		names = append(names, shape.Name)
	}
	return names
}

func Default() Shape {
	return shapes[0]
}

func Lookup(name string) (Shape, error) {
	if name == "" {
		return Default(), nil
	}
	for _, shape := range shapes {
		if shape.Name == name {
			return shape, nil
		}
	}
	return Shape{}, fmt.Errorf("unknown workflow: %q", name)
}

func (s Shape) Len() int {
	return len(s.Segments)
}

func (s Shape) Segment(ordinal int) (SegmentDefinition, bool) {
	if ordinal < 1 || ordinal > len(s.Segments) {
		return SegmentDefinition{}, false
	}
	return s.Segments[ordinal-1], true
}

func (s Shape) SegmentNames() []string {
	names := make([]string, 0, len(s.Segments))
	for _, segment := range s.Segments {
		names = append(names, segment.Name)
	}
	return names
}
