// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config defines cuberd's configuration surface: CLI flags with
// sane defaults, optionally overridden in bulk by a JSON file, in the same
// two-layer shape xtaci/kcptun uses for its client/server configuration.
package config

import (
	"encoding/json"
	"os"
)

// Config holds every knob the supervisor needs to start the ingest
// pipeline. JSON tags let it double as the on-disk override file format.
type Config struct {
	Port       int    `json:"port"`
	RecvBuf    int    `json:"recvbuf"`
	ControlDir string `json:"controldir"`
	RamdiskDir string `json:"ramdiskdir"`
	Renderer   string `json:"renderer"`

	RecorderQueueCap   int `json:"recorderqueuecap"`
	AggregatorQueueCap int `json:"aggregatorqueuecap"`

	LogFile string `json:"log"`
}

// Default returns the configuration used when neither flags nor a JSON
// file override a field.
func Default() Config {
	return Config{
		Port:               50000,
		RecvBuf:            32 * 1024 * 1024,
		ControlDir:         "/var/run/cuberd",
		RamdiskDir:         "/mnt/ramdisk",
		Renderer:           "Bin2PNG",
		RecorderQueueCap:   8 * 1024 * 1024,
		AggregatorQueueCap: 4 * 1024 * 1024,
	}
}

// ParseJSONFile decodes path's contents onto cfg, overriding any field the
// file sets. It mirrors xtaci/kcptun's parseJSONConfig: only fields present
// in the file are touched, everything else keeps its prior value.
func ParseJSONFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(cfg)
}
