package inventory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileFetcher loads device records from a YAML file of shape:
//
//	devices:
//	  - hostname: rsw001.example
//	    vendor: arista
//	    username: admin
//	    password: secret
//	    pref_ips:
//	      - {addr: 10.0.0.1, mgmt: true}
//	    ip: 10.0.0.1
type FileFetcher struct {
	Path string
}

type deviceFile struct {
	Devices []Record `yaml:"devices"`
}

// Fetch implements Fetcher by re-reading the file. The per-hostname filter
// is ignored: the whole file is cheap to load.
func (f *FileFetcher) Fetch(ctx context.Context, filter string) ([]Record, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	var df deviceFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse device file: %w", err)
	}
	for i, r := range df.Devices {
		if r.Hostname == "" {
			return nil, fmt.Errorf("device file: entry %d missing hostname", i)
		}
	}
	return df.Devices, nil
}
