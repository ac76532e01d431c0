package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-aggregation-service/internal/geo"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

const (
	OpenWeatherName       = "openweather"
	DefaultOpenWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
)

// readingTimeLayout matches Open-Meteo's current_weather.time so both sources
// report timestamps in one format.
const readingTimeLayout = "2006-01-02T15:04"

// OpenWeatherClient queries OpenWeatherMap by city name. An empty API key is allowed:
// every call then returns ErrNotConfigured without touching the network.
type OpenWeatherClient struct {
	apiKey string
	apiURL string
	up     *upstream
}

// NewOpenWeatherClient creates a client. An empty apiURL falls back to the public endpoint.
func NewOpenWeatherClient(apiKey, apiURL string, opts Options) *OpenWeatherClient {
	if apiURL == "" {
		apiURL = DefaultOpenWeatherURL
	}
	return &OpenWeatherClient{
		apiKey: apiKey,
		apiURL: apiURL,
		up:     newUpstream(OpenWeatherName, opts),
	}
}

func (c *OpenWeatherClient) Name() string {
	return OpenWeatherName
}

// Configured reports whether an API key is set.
func (c *OpenWeatherClient) Configured() bool {
	return c.apiKey != ""
}

type openWeatherResponse struct {
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
	Dt *int64 `json:"dt"`
}

// CurrentReading implements Provider. Coordinates are unused: the provider resolves the city itself.
func (c *OpenWeatherClient) CurrentReading(ctx context.Context, city string, _ geo.Coordinates) (models.ProviderReading, error) {
	if !c.Configured() {
		return models.ProviderReading{}, fmt.Errorf("%s: %w", OpenWeatherName, ErrNotConfigured)
	}

	params := url.Values{}
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")

	body, err := c.up.get(ctx, c.apiURL, params)
	if err != nil {
		return models.ProviderReading{}, err
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.ProviderReading{}, fmt.Errorf("%s: parse response: %w", OpenWeatherName, err)
	}
	if apiResp.Main == nil || apiResp.Main.Temp == nil {
		return models.ProviderReading{}, fmt.Errorf("%s: main.temp: %w", OpenWeatherName, ErrNoData)
	}
	return mapOpenWeather(apiResp), nil
}

func mapOpenWeather(apiResp openWeatherResponse) models.ProviderReading {
	r := models.ProviderReading{
		Source:      OpenWeatherName,
		Temperature: apiResp.Main.Temp,
		Humidity:    apiResp.Main.Humidity,
	}
	if len(apiResp.Weather) > 0 {
		desc := apiResp.Weather[0].Description
		if desc == "" {
			desc = apiResp.Weather[0].Main
		}
		if desc != "" {
			r.Description = &desc
		}
	}
	if apiResp.Wind != nil {
		r.WindSpeed = apiResp.Wind.Speed
	}
	if apiResp.Dt != nil {
		r.Timestamp = models.String(time.Unix(*apiResp.Dt, 0).UTC().Format(readingTimeLayout))
	}
	return r
}
