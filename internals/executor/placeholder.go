package executor

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Oudwins/storyd/internals/resources"
	"github.com/Oudwins/storyd/internals/workflow"
)

// Placeholder writes small stand-in artifacts that satisfy the discovery
// rules. It is meant for development without real generators.
type Placeholder struct {
	// Pages is how many images and speech clips to produce.
	Pages int
	// Delay simulates generation time.
	Delay time.Duration
}

type script struct {
	Topic    string   `json:"topic"`
	MainRole string   `json:"main_role,omitempty"`
	Scene    string   `json:"scene,omitempty"`
	Pages    []string `json:"pages"`
	Split    bool     `json:"split"`
}

func (p Placeholder) Execute(ctx context.Context, job Job) ([]string, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	pages := p.Pages
	if pages <= 0 {
		pages = 2
	}

	switch job.Segment.Artifact {
	case workflow.ArtifactJSON:
		doc := script{
			Topic:    job.Params.Topic,
			MainRole: job.Params.MainRole,
			Scene:    job.Params.Scene,
			Split:    job.Segment.Ordinal > 1,
		}
		for i := 1; i <= pages; i++ {
			doc.Pages = append(doc.Pages, fmt.Sprintf("Page %d about %s.", i, job.Params.Topic))
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return write(job.TaskDir, resources.ScriptFile, data)
	case workflow.ArtifactImage:
		img, err := placeholderPNG()
		if err != nil {
			return nil, err
		}
		var files []string
		for i := 1; i <= pages; i++ {
			written, err := write(job.TaskDir, filepath.Join(resources.ImageDir, fmt.Sprintf("p%d.png", i)), img)
			if err != nil {
				return nil, err
			}
			files = append(files, written...)
		}
		return files, nil
	case workflow.ArtifactAudio:
		var files []string
		for i := 1; i <= pages; i++ {
			written, err := write(job.TaskDir, filepath.Join(resources.SpeechDir, fmt.Sprintf("s%d.wav", i)), silentWAV())
			if err != nil {
				return nil, err
			}
			files = append(files, written...)
		}
		return files, nil
	case workflow.ArtifactVideo:
		return write(job.TaskDir, resources.OutputFile, []byte("placeholder video for "+strings.TrimSpace(job.Params.Topic)))
	default:
		return nil, Failure("no placeholder for artifact %q", job.Segment.Artifact)
	}
}

func write(taskDir string, rel string, data []byte) ([]string, error) {
	target := filepath.Join(taskDir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, err
	}
	return []string{filepath.ToSlash(rel)}, nil
}

func placeholderPNG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// silentWAV is a 16-bit mono PCM header with no samples.
func silentWAV() []byte {
	const sampleRate = 16000
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}
