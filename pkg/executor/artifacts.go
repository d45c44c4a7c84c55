package executor

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// saveFailureArtifacts dumps the screen and UI hierarchy next to a failed
// step so the failure can be inspected later. Artifact errors are logged,
// never propagated: a flow result must not depend on artifact I/O.
func (fr *flowRun) saveFailureArtifacts(stepIdx int) {
	dir := fr.exec.config.ArtifactsDir
	if dir == "" {
		return
	}
	runDir := filepath.Join(dir, fr.result.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		fr.exec.logger.Warn("failed to create artifacts dir", "dir", runDir, "error", err)
		return
	}

	if shot, err := fr.dev.CaptureScreen(fr.ctx); err == nil {
		path := filepath.Join(runDir, fmt.Sprintf("step-%02d-screen.png", stepIdx))
		if err := writePNG(path, shot); err != nil {
			fr.exec.logger.Warn("failed to save screenshot artifact", "path", path, "error", err)
		}
	}

	if root, err := fr.dev.UIHierarchy(fr.ctx); err == nil {
		data, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return
		}
		path := filepath.Join(runDir, fmt.Sprintf("step-%02d-hierarchy.json", stepIdx))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fr.exec.logger.Warn("failed to save hierarchy artifact", "path", path, "error", err)
		}
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
