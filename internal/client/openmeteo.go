package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

const (
	OpenMeteoName               = "open-meteo"
	DefaultOpenMeteoForecastURL = "https://api.open-meteo.com/v1/forecast"
	DefaultOpenMeteoArchiveURL  = "https://archive-api.open-meteo.com/v1/archive"
)

const dailyMetrics = "temperature_2m_min,temperature_2m_max"

// archiveDateLayout is the start_date/end_date format of the archive endpoint.
const archiveDateLayout = "2006-01-02"

// OpenMeteoClient queries Open-Meteo by coordinates. No credentials are required.
type OpenMeteoClient struct {
	forecastURL string
	archiveURL  string
	up          *upstream
}

// NewOpenMeteoClient creates a client. Empty URLs fall back to the public endpoints.
func NewOpenMeteoClient(forecastURL, archiveURL string, opts Options) *OpenMeteoClient {
	if forecastURL == "" {
		forecastURL = DefaultOpenMeteoForecastURL
	}
	if archiveURL == "" {
		archiveURL = DefaultOpenMeteoArchiveURL
	}
	return &OpenMeteoClient{
		forecastURL: forecastURL,
		archiveURL:  archiveURL,
		up:          newUpstream(OpenMeteoName, opts),
	}
}

func (c *OpenMeteoClient) Name() string {
	return OpenMeteoName
}

type openMeteoCurrentResponse struct {
	CurrentWeather *struct {
		Temperature *float64 `json:"temperature"`
		WindSpeed   *float64 `json:"windspeed"`
		Time        *string  `json:"time"`
	} `json:"current_weather"`
}

type openMeteoDailyResponse struct {
	Daily *struct {
		Time    []string   `json:"time"`
		TempMin []*float64 `json:"temperature_2m_min"`
		TempMax []*float64 `json:"temperature_2m_max"`
	} `json:"daily"`
}

// CurrentReading implements Provider. Open-Meteo reports no humidity or description
// in current_weather, so those fields stay nil.
func (c *OpenMeteoClient) CurrentReading(ctx context.Context, _ string, coords geo.Coordinates) (models.ProviderReading, error) {
	params := coordParams(coords)
	params.Set("current_weather", "true")

	body, err := c.up.get(ctx, c.forecastURL, params)
	if err != nil {
		return models.ProviderReading{}, err
	}

	var apiResp openMeteoCurrentResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.ProviderReading{}, fmt.Errorf("%s: parse response: %w", OpenMeteoName, err)
	}
	cw := apiResp.CurrentWeather
	if cw == nil || cw.Temperature == nil {
		return models.ProviderReading{}, fmt.Errorf("%s: current_weather: %w", OpenMeteoName, ErrNoData)
	}

	return models.ProviderReading{
		Source:      OpenMeteoName,
		Temperature: cw.Temperature,
		Timestamp:   cw.Time,
		WindSpeed:   cw.WindSpeed,
	}, nil
}

// DailyForecast returns the upcoming daily min/max temperatures in the location's timezone.
func (c *OpenMeteoClient) DailyForecast(ctx context.Context, coords geo.Coordinates) ([]models.DailyTemperature, error) {
	params := coordParams(coords)
	params.Set("daily", dailyMetrics)
	params.Set("timezone", "auto")
	return c.daily(ctx, c.forecastURL, params)
}

// DailyArchive returns observed daily min/max temperatures for start..end inclusive.
func (c *OpenMeteoClient) DailyArchive(ctx context.Context, coords geo.Coordinates, start, end time.Time) ([]models.DailyTemperature, error) {
	params := coordParams(coords)
	params.Set("start_date", start.Format(archiveDateLayout))
	params.Set("end_date", end.Format(archiveDateLayout))
	params.Set("daily", dailyMetrics)
	params.Set("timezone", "auto")
	return c.daily(ctx, c.archiveURL, params)
}

func (c *OpenMeteoClient) daily(ctx context.Context, endpoint string, params url.Values) ([]models.DailyTemperature, error) {
	body, err := c.up.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var apiResp openMeteoDailyResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", OpenMeteoName, err)
	}
	if apiResp.Daily == nil || apiResp.Daily.Time == nil {
		return nil, fmt.Errorf("%s: daily: %w", OpenMeteoName, ErrNoData)
	}
	d := apiResp.Daily
	return completeDays(d.Time, d.TempMin, d.TempMax), nil
}

// completeDays zips the daily series, dropping any day whose min or max is missing.
// The result is never nil so it encodes as [].
func completeDays(dates []string, mins, maxs []*float64) []models.DailyTemperature {
	out := make([]models.DailyTemperature, 0, len(dates))
	for i, date := range dates {
		if i >= len(mins) || i >= len(maxs) || mins[i] == nil || maxs[i] == nil {
			continue
		}
		out = append(out, models.DailyTemperature{Date: date, TempMin: *mins[i], TempMax: *maxs[i]})
	}
	return out
}

func coordParams(coords geo.Coordinates) url.Values {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(coords.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(coords.Longitude, 'f', -1, 64))
	return params
}
