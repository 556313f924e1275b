package attestation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yubico/u2fval/internal/platform/db"
)

// metadataEntry is the on-disk shape of one trusted metadata record,
// keyed in the file by certificate fingerprint.
type metadataEntry struct {
	Fingerprint string            `json:"fingerprint"`
	Trusted     bool              `json:"trusted"`
	Vendor      map[string]string `json:"vendor,omitempty"`
	Device      map[string]string `json:"device,omitempty"`
	Transports  []string          `json:"transports,omitempty"`
}

// LoadMetadata reads a file or directory of trusted-metadata JSON documents
// (U2FVAL_METADATA_PATH / spec §6 "metadata") into the map NewService
// expects. An empty path yields an empty set, meaning every certificate
// resolves as untrusted unless allow_untrusted is configured.
func LoadMetadata(path string) (map[string]*Record, error) {
	out := map[string]*Record{}
	if path == "" {
		return out, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat metadata path: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata directory: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	} else {
		files = []string{path}
	}

	for _, f := range files {
		if err := loadMetadataFile(f, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadMetadataFile(path string, out map[string]*Record) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read metadata file %s: %w", path, err)
	}

	var entries []metadataEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var single metadataEntry
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return fmt.Errorf("failed to parse metadata file %s: %w", path, err)
		}
		entries = []metadataEntry{single}
	}

	for _, e := range entries {
		if e.Fingerprint == "" {
			continue
		}
		out[strings.ToLower(e.Fingerprint)] = &Record{
			Trusted:    e.Trusted,
			VendorInfo: e.Vendor,
			DeviceInfo: e.Device,
			Transports: db.TransportsFromStrings(e.Transports),
		}
	}
	return nil
}
