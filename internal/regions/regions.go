package regions

import "strings"

// Region represents one UHF regulatory preset and the reader band code that
// selects it.
type Region struct {
	Code       string
	Name       string
	Band       string
	BandCode   int
	MinChannel int
	MaxChannel int
}

var Catalog = []Region{
	{Code: "CN2", Name: "China band 2", Band: "920.125-924.875 MHz", BandCode: 1, MinChannel: 0, MaxChannel: 19},
	{Code: "FCC", Name: "United States", Band: "902.75-927.25 MHz", BandCode: 2, MinChannel: 0, MaxChannel: 49},
	{Code: "KR", Name: "Korea", Band: "917.1-923.5 MHz", BandCode: 3, MinChannel: 0, MaxChannel: 31},
	{Code: "EU", Name: "Europe", Band: "865.1-867.9 MHz", BandCode: 4, MinChannel: 0, MaxChannel: 14},
	{Code: "CN1", Name: "China band 1", Band: "840.125-844.875 MHz", BandCode: 8, MinChannel: 0, MaxChannel: 19},
}

// Default is the band the reader is configured for out of the box.
const Default = "EU"

// Lookup finds a preset by code, case-insensitively. "US" is accepted for FCC.
func Lookup(code string) (Region, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "US" {
		code = "FCC"
	}
	for _, region := range Catalog {
		if region.Code == code {
			return region, true
		}
	}
	return Region{}, false
}

func ByBand(band int) (Region, bool) {
	for _, region := range Catalog {
		if region.BandCode == band {
			return region, true
		}
	}
	return Region{}, false
}

// Label is the short name reported to callers: "EU" for the European band,
// "FCC/Other" for everything else.
func Label(band int) string {
	if region, ok := ByBand(band); ok && region.Code == "EU" {
		return "EU"
	}
	return "FCC/Other"
}

// Contains reports whether the channel window fits the preset.
func (r Region) Contains(minChannel, maxChannel int) bool {
	return minChannel >= r.MinChannel && maxChannel <= r.MaxChannel && minChannel <= maxChannel
}
