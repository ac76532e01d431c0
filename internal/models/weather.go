package models

// ProviderReading is one upstream's normalized current conditions for a city.
// Nil fields were not reported by the provider. A reading without a temperature
// is not usable for aggregation.
type ProviderReading struct {
	Source      string   `json:"source"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Description *string  `json:"description,omitempty"`
	Timestamp   *string  `json:"timestamp,omitempty"`
	WindSpeed   *float64 `json:"windSpeed,omitempty"`
}

// Valid reports whether the reading carries a temperature.
func (r ProviderReading) Valid() bool {
	return r.Temperature != nil
}

type Temperature struct {
	Current float64 `json:"current"`
	Unit    string  `json:"unit"`
}

// AggregatedWeather is the merged current weather served by GET /weather/current/{city}.
type AggregatedWeather struct {
	City        string      `json:"city"`
	Temperature Temperature `json:"temperature"`
	Sources     []string    `json:"sources"`
	Timestamp   *string     `json:"timestamp,omitempty"`
	WindSpeed   *float64    `json:"wind_speed,omitempty"`
}

// DailyTemperature is one day of min/max temperatures.
type DailyTemperature struct {
	Date    string  `json:"date"`
	TempMin float64 `json:"temp_min"`
	TempMax float64 `json:"temp_max"`
}

type ForecastResponse struct {
	City     string             `json:"city"`
	Forecast []DailyTemperature `json:"forecast"`
}

type HistoryResponse struct {
	City    string             `json:"city"`
	History []DailyTemperature `json:"history"`
}

// Float64 returns a pointer to v. Used when building readings.
func Float64(v float64) *float64 {
	return &v
}

// String returns a pointer to s.
func String(s string) *string {
	return &s
}
