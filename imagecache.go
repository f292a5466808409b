package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errImageNotFound = errors.New("image not found")

var mimeExt = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var extMime = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// imageCache stores generated images on disk under a flat directory. Expiry
// is driven by file modification time; the sweep runs at the start of every
// chat request rather than on a timer.
type imageCache struct {
	dir string
	ttl time.Duration
}

func newImageCache(dir string, ttl time.Duration) *imageCache {
	return &imageCache{dir: dir, ttl: ttl}
}

// put writes image bytes to the cache and returns the stored file name.
// A suggested name keeps its own name but gains an extension when it has
// none; otherwise a name is synthesized from the timestamp and a random
// suffix.
func (ic *imageCache) put(data []byte, mimeType, suggested string) (string, error) {
	if err := os.MkdirAll(ic.dir, 0o755); err != nil {
		return "", err
	}
	ext, ok := mimeExt[mimeType]
	if !ok {
		ext = ".png"
	}
	name := suggested
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		// Upstream-chosen names never get to pick the directory.
		name = ""
	}
	if name != "" {
		known := false
		for _, e := range mimeExt {
			if strings.HasSuffix(name, e) {
				known = true
				break
			}
		}
		if !known {
			name += ext
		}
	} else {
		name = fmt.Sprintf("gemini_%s_%s%s",
			time.Now().Format("20060102_150405"),
			strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
			ext)
	}
	if err := os.WriteFile(filepath.Join(ic.dir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// get returns the bytes and MIME type for a cached image. The name is
// validated before touching the filesystem.
func (ic *imageCache) get(name string) ([]byte, string, error) {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return nil, "", errImageNotFound
	}
	data, err := os.ReadFile(filepath.Join(ic.dir, name))
	if err != nil {
		return nil, "", errImageNotFound
	}
	mime, ok := extMime[strings.ToLower(filepath.Ext(name))]
	if !ok {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

// sweep deletes cached images older than the TTL.
func (ic *imageCache) sweep() {
	entries, err := os.ReadDir(ic.dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > ic.ttl {
			if err := os.Remove(filepath.Join(ic.dir, e.Name())); err != nil {
				log.Printf("image cache: remove %s: %v", e.Name(), err)
				continue
			}
		}
	}
}

// localPath returns where a cached file lives on disk.
func (ic *imageCache) localPath(name string) string {
	return filepath.Join(ic.dir, name)
}
