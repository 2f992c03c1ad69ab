// Package band classifies a frequency in kHz into an amateur radio band
// name and, where possible, infers the operating mode from the sub-band
// it falls in. The allocation table is loaded once from an embedded YAML
// file the first time either is needed.
package band

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/band_plan.yaml
var planYAML []byte

type bandRange struct {
	Band     string  `yaml:"band"`
	LowerKHz float64 `yaml:"lower_khz"`
	UpperKHz float64 `yaml:"upper_khz"`
}

type subBand struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
	Mode string  `yaml:"mode"`
}

type plan struct {
	Bands      []bandRange          `yaml:"bands"`
	DialFreqHz map[string]int64     `yaml:"dial_freq_hz"`
	FT4Dials   []float64            `yaml:"ft4_dials"`
	FT8Dials   []float64            `yaml:"ft8_dials"`
	Regions    map[int][]subBand    `yaml:"regions"`
}

var (
	once     sync.Once
	loaded   plan
	loadErr  error
)

func load() {
	once.Do(func() {
		loadErr = yaml.Unmarshal(planYAML, &loaded)
	})
}

// digitalWindowKHz is the width of an FT4/FT8 dial-frequency window per
// wsjtx_udp.py's convention: signals appear audio-offset above the dial.
const digitalWindowKHz = 3.0

// FreqToBand returns the band name containing freqKHz, or "" if the
// frequency falls outside every known allocation.
func FreqToBand(freqKHz float64) string {
	load()
	for _, b := range loaded.Bands {
		if freqKHz >= b.LowerKHz && freqKHz <= b.UpperKHz {
			return b.Band
		}
	}
	return ""
}

// DialFreqHz returns the Status-record dial frequency in Hz associated
// with the given band name, or 0 if the band is unknown.
func DialFreqHz(bandName string) int64 {
	load()
	return loaded.DialFreqHz[bandName]
}

// InferMode guesses the operating mode for freqKHz within the given
// IARU region. FT4 and FT8 dial windows are checked before falling back
// to the region's CW/RTTY sub-band table; a frequency that is in-band
// but matches none of those is assumed to be SSB phone. A frequency
// outside every known band returns "".
func InferMode(freqKHz float64, region int) string {
	load()
	bandName := FreqToBand(freqKHz)
	if bandName == "" {
		return ""
	}
	for _, d := range loaded.FT4Dials {
		if freqKHz >= d && freqKHz <= d+digitalWindowKHz {
			return "FT4"
		}
	}
	for _, d := range loaded.FT8Dials {
		if freqKHz >= d && freqKHz <= d+digitalWindowKHz {
			return "FT8"
		}
	}
	if _, ok := loaded.Regions[region]; !ok {
		region = 2
	}
	for _, sb := range loaded.Regions[region] {
		if freqKHz >= sb.Low && freqKHz <= sb.High {
			return sb.Mode
		}
	}
	return "SSB"
}
