package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

type checksumPayload struct {
	CPUs       []int  `json:"cpus"`
	Scheduler  string `json:"scheduler"`
	SleepS     int    `json:"sleep_s"`
	IntervalMS int    `json:"interval_ms"`
	GroupSize  int    `json:"group_size"`
	Perf       bool   `json:"perf"`
}

// Checksum returns a short, stable checksum identifying the effective scheduling setup
// (cores, policy and timing), independent of victim pids and output paths.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func Checksum(cfg *Config) (string, error) {
	if cfg == nil {
		return "", nil
	}
	c := cfg.Coordinator

	payload := checksumPayload{
		CPUs:       append([]int(nil), c.CPUList...),
		Scheduler:  string(c.GetScheduler()),
		SleepS:     c.SleepS,
		IntervalMS: c.IntervalMS,
		GroupSize:  c.GroupSize,
		Perf:       c.Perf,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
