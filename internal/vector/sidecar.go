package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// sidecarPayload is the JSON document stored next to the graph. It
// carries everything needed to rebuild the in-memory maps: the live
// chunk metadata and the chunk->graph-key assignment.
type sidecarPayload struct {
	Entries map[string]SidecarEntry `json:"entries"`
	IDMap   map[string]uint64       `json:"id_map"`
	NextKey uint64                  `json:"next_key"`
	Dims    int                     `json:"dims"`
}

// atomicWrite writes via a temp file in the same directory, fsyncs,
// and renames into place.
func atomicWrite(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	return atomicWrite(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	})
}

func writeSidecar(dir string, payload sidecarPayload) error {
	return writeJSON(filepath.Join(dir, sidecarFile), payload)
}

func readSidecar(dir string) (sidecarPayload, error) {
	var payload sidecarPayload
	data, err := os.ReadFile(filepath.Join(dir, sidecarFile))
	if err != nil {
		return payload, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("parse sidecar: %w", err)
	}
	if payload.Entries == nil {
		payload.Entries = make(map[string]SidecarEntry)
	}
	if payload.IDMap == nil {
		payload.IDMap = make(map[string]uint64)
	}
	return payload, nil
}

func writeMeta(dir string, meta Meta) error {
	return writeJSON(filepath.Join(dir, metaFile), meta)
}

func readMeta(dir string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, fmt.Errorf("read meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse meta: %w", err)
	}
	return meta, nil
}
