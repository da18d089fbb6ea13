// Package domaintest builds observation payloads for tests.
package domaintest

import (
	"encoding/json"
	"strings"
)

// Payload returns a complete New York observation as a nested map. Tests
// mutate it with Set/Delete and encode it with JSON.
func Payload() map[string]any {
	return map[string]any{
		"location": map[string]any{
			"name":            "New York",
			"region":          "New York",
			"country":         "United States of America",
			"lat":             40.7128,
			"lon":             -74.006,
			"tz_id":           "America/New_York",
			"localtime_epoch": 1700000000,
			"localtime":       "2023-11-14 17:13",
		},
		"current": map[string]any{
			"last_updated_epoch": 1699999200,
			"last_updated":       "2023-11-14 17:00",
			"condition": map[string]any{
				"code": 1000,
				"text": "Clear",
				"icon": "//cdn.weatherapi.com/weather/64x64/night/113.png",
			},
			"temp_c":      15.0,
			"temp_f":      59.0,
			"is_day":      0,
			"wind_mph":    6.9,
			"wind_kph":    11.2,
			"wind_degree": 250,
			"wind_dir":    "WSW",
			"pressure_mb": 1018.0,
			"pressure_in": 30.06,
			"precip_mm":   0.0,
			"precip_in":   0.0,
			"humidity":    65,
			"cloud":       0,
			"feelslike_c": 14.1,
			"feelslike_f": 57.4,
			"windchill_c": 12.3,
			"windchill_f": 54.1,
			"heatindex_c": 13.5,
			"heatindex_f": 56.3,
			"dewpoint_c":  8.4,
			"dewpoint_f":  47.1,
			"vis_km":      16.0,
			"vis_miles":   9.0,
			"uv":          0.0,
			"gust_mph":    10.4,
			"gust_kph":    16.8,
			"short_rad":   0.0,
			"diff_rad":    0.0,
			"dni":         0.0,
			"gti":         0.0,
		},
	}
}

// Set assigns value at a dotted path such as "current.condition.code".
func Set(p map[string]any, path string, value any) {
	parent, key := walk(p, path)
	parent[key] = value
}

// Delete removes the key at a dotted path.
func Delete(p map[string]any, path string) {
	parent, key := walk(p, path)
	delete(parent, key)
}

// JSON encodes p, panicking on failure since payloads are test fixtures.
func JSON(p map[string]any) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Body is shorthand for JSON(Payload()).
func Body() []byte {
	return JSON(Payload())
}

func walk(p map[string]any, path string) (map[string]any, string) {
	parts := strings.Split(path, ".")
	cur := p
	for _, part := range parts[:len(parts)-1] {
		cur = cur[part].(map[string]any)
	}
	return cur, parts[len(parts)-1]
}
