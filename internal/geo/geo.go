package geo

import (
	"sort"
	"time"
	_ "time/tzdata"
)

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// cities is the fixed table of supported cities. It is never written after init,
// so lookups need no synchronization.
var cities = map[string]Coordinates{
	"Paris":    {Latitude: 48.8566, Longitude: 2.3522},
	"London":   {Latitude: 51.5074, Longitude: -0.1278},
	"Tokyo":    {Latitude: 35.6762, Longitude: 139.6503},
	"New York": {Latitude: 40.7128, Longitude: -74.0060},
}

// zones holds each supported city's IANA time zone.
var zones = map[string]string{
	"Paris":    "Europe/Paris",
	"London":   "Europe/London",
	"Tokyo":    "Asia/Tokyo",
	"New York": "America/New_York",
}

// Location returns the local time zone of city, or UTC for a city without one.
func Location(city string) *time.Location {
	name, ok := zones[city]
	if !ok {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Lookup returns the coordinates for city. The match is exact and case-sensitive;
// ok is false for any city not in the table.
func Lookup(city string) (Coordinates, bool) {
	c, ok := cities[city]
	return c, ok
}

// Cities returns the supported city names in sorted order.
func Cities() []string {
	out := make([]string, 0, len(cities))
	for name := range cities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
