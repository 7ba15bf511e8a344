// internal/passgen/assets.go
package passgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxStripIndex = 6

// assets holds template images keyed by file name.
type assets map[string][]byte

// loadAssets reads every PNG in dir. An empty dir yields an empty set.
func loadAssets(dir string) (assets, error) {
	out := make(assets)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", e.Name(), err)
		}
		out[e.Name()] = data
	}
	return out, nil
}

func isStripVariant(name string) bool {
	return strings.HasPrefix(name, "strip-")
}

// forStamps returns the files to pack for a member with the given stamp count.
// Stamp-indexed strips become strip.png / strip@2x.png; strip-0 is the fallback.
func (a assets) forStamps(stamps int) map[string][]byte {
	idx := min(max(stamps, 0), maxStripIndex)

	files := make(map[string][]byte, len(a))
	for name, data := range a {
		if !isStripVariant(name) {
			files[name] = data
		}
	}
	for _, suffix := range []string{"", "@2x"} {
		data, ok := a[fmt.Sprintf("strip-%d%s.png", idx, suffix)]
		if !ok {
			data, ok = a["strip-0"+suffix+".png"]
		}
		if ok {
			files["strip"+suffix+".png"] = data
		}
	}
	return files
}
