package satextract

// BandSpec describes one spectral channel of a constellation's products:
// its canonical name, a human-friendly common name, center wavelength in
// nanometers, and native ground-sample distance in meters.
type BandSpec struct {
	Name            string
	CommonName      string
	CenterWavelength float64
	GSD             float64
}

// Constellation name constants, matching the catalog's declared values.
const (
	ConstellationSentinel2 = "sentinel-2"
	ConstellationLandsat5  = "landsat-5"
	ConstellationLandsat7  = "landsat-7"
	ConstellationLandsat8  = "landsat-8"
)

// bandTables holds, per constellation, the canonical ordered band list
// that drives archive layout (band axis order) and resolution choices.
// Values are grounded on original_source/src/satextractor/models/constellation_info.py.
var bandTables = map[string][]BandSpec{
	ConstellationSentinel2: {
		{"B01", "coastal", 443.9, 60},
		{"B02", "blue", 496.6, 10},
		{"B03", "green", 560.0, 10},
		{"B04", "red", 664.5, 10},
		{"B05", "rededge071", 703.9, 20},
		{"B06", "rededge075", 740.2, 20},
		{"B07", "rededge078", 782.5, 20},
		{"B08", "nir", 835.1, 10},
		{"B8A", "nir08", 864.8, 20},
		{"B09", "nir09", 945.0, 60},
		{"B10", "cirrus", 1373.5, 60},
		{"B11", "swir16", 1613.7, 20},
		{"B12", "swir22", 2202.4, 20},
	},
	ConstellationLandsat8: {
		{"B1", "coastal", 443, 30},
		{"B2", "blue", 482, 30},
		{"B3", "green", 561, 30},
		{"B4", "red", 655, 30},
		{"B5", "nir08", 865, 30},
		{"B6", "swir16", 1609, 30},
		{"B7", "swir22", 2201, 30},
		{"B8", "pan", 590, 15},
		{"B9", "cirrus", 1373, 30},
		{"B10", "lwir11", 10895, 100},
		{"B11", "lwir12", 12005, 100},
		{"BQA", "qa", 0, 30},
	},
	ConstellationLandsat7: {
		{"B1", "blue", 485, 30},
		{"B2", "green", 560, 30},
		{"B3", "red", 660, 30},
		{"B4", "nir08", 835, 30},
		{"B5", "swir16", 1650, 30},
		{"B6", "lwir", 11450, 60},
		{"B7", "swir22", 2208, 30},
		{"B8", "pan", 712, 15},
		{"BQA", "qa", 0, 30},
	},
	ConstellationLandsat5: {
		{"B1", "blue", 485, 30},
		{"B2", "green", 560, 30},
		{"B3", "red", 660, 30},
		{"B4", "nir08", 830, 30},
		{"B5", "swir16", 1650, 30},
		{"B6", "lwir", 11450, 120},
		{"B7", "swir22", 2215, 30},
		{"BQA", "qa", 0, 30},
	},
}

// BandsFor returns the canonical ordered band list for a constellation.
// It returns false if the constellation is unknown.
func BandsFor(constellation string) ([]BandSpec, bool) {
	specs, ok := bandTables[constellation]
	return specs, ok
}

// BandNamesFor returns just the ordered band names for a constellation.
func BandNamesFor(constellation string) ([]string, bool) {
	specs, ok := bandTables[constellation]
	if !ok {
		return nil, false
	}
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names, true
}

// HasBand reports whether constellation declares the named band.
func HasBand(constellation, band string) bool {
	specs, ok := bandTables[constellation]
	if !ok {
		return false
	}
	for _, s := range specs {
		if s.Name == band {
			return true
		}
	}
	return false
}

// MinGSD returns the smallest (finest) ground-sample distance among a
// constellation's bands. The Preparer uses this to size the archive's
// pixel grid: patch_size_pixels = patch_size / MinGSD(constellation).
func MinGSD(constellation string) (float64, bool) {
	specs, ok := bandTables[constellation]
	if !ok || len(specs) == 0 {
		return 0, false
	}
	min := specs[0].GSD
	for _, s := range specs[1:] {
		if s.GSD < min {
			min = s.GSD
		}
	}
	return min, true
}

// isCategoricalBand reports whether a band is a QA/categorical mask,
// which the Extractor must resample with nearest-neighbor rather than
// bilinear interpolation.
func isCategoricalBand(band string) bool {
	switch band {
	case "BQA", "QA_PIXEL", "QA", "SCL":
		return true
	default:
		return false
	}
}
