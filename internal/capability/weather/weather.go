// Package weather implements the weather capability client against an
// Open-Meteo style API: a geocoding lookup to resolve the location,
// then a forecast request for current conditions.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/parley-bot/parley/internal/dispatch"
	"github.com/parley-bot/parley/internal/httpkit"
)

// Default upstream endpoints (Open-Meteo public API).
const (
	DefaultGeocodeURL  = "https://geocoding-api.open-meteo.com"
	DefaultForecastURL = "https://api.open-meteo.com"
)

// Report is the weather capability's success payload.
type Report struct {
	Location    string  `json:"location"`
	Region      string  `json:"region,omitempty"`
	Country     string  `json:"country,omitempty"`
	TempC       float64 `json:"temp_c"`
	WindKph     float64 `json:"wind_kph"`
	Humidity    int     `json:"humidity"`
	Description string  `json:"description"`
}

// Client resolves a location and fetches its current conditions. It
// implements dispatch.Client; a failed geocode is flagged retryable
// because a repaired location name is likely to succeed.
type Client struct {
	geocodeURL  string
	forecastURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a weather client. Empty URLs use the public Open-Meteo
// endpoints.
func New(geocodeURL, forecastURL string, logger *slog.Logger) *Client {
	if geocodeURL == "" {
		geocodeURL = DefaultGeocodeURL
	}
	if forecastURL == "" {
		forecastURL = DefaultForecastURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		geocodeURL:  geocodeURL,
		forecastURL: forecastURL,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:      logger,
	}
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx context.Context, requesterID, input string) dispatch.CallResult {
	location := extractLocation(input)
	if location == "" {
		return dispatch.RetryableFailure("no location given in request")
	}

	place, err := c.geocode(ctx, location)
	if err != nil {
		return dispatch.Failure("weather lookup failed: " + err.Error())
	}
	if place == nil {
		// The one failure shape known to be input-correctable: the
		// model can often fix a misspelled or ambiguous place name.
		return dispatch.RetryableFailure("location not found: " + location)
	}

	report, err := c.current(ctx, *place)
	if err != nil {
		return dispatch.Failure("weather lookup failed: " + err.Error())
	}

	c.logger.Debug("weather fetched", "location", report.Location, "temp_c", report.TempC)
	return dispatch.Success(report)
}

// place is a resolved geocoding result.
type place struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
	Admin1    string  `json:"admin1"`
}

func (c *Client) geocode(ctx context.Context, location string) (*place, error) {
	params := url.Values{
		"name":  {location},
		"count": {"1"},
	}
	reqURL := fmt.Sprintf("%s/v1/search?%s", c.geocodeURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build geocode request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var body struct {
		Results []place `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(body.Results) == 0 {
		return nil, nil
	}
	return &body.Results[0], nil
}

func (c *Client) current(ctx context.Context, p place) (Report, error) {
	params := url.Values{
		"latitude":  {strconv.FormatFloat(p.Latitude, 'f', 4, 64)},
		"longitude": {strconv.FormatFloat(p.Longitude, 'f', 4, 64)},
		"current":   {"temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code"},
	}
	reqURL := fmt.Sprintf("%s/v1/forecast?%s", c.forecastURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Report{}, fmt.Errorf("build forecast request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("forecast HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var body struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			Humidity    int     `json:"relative_humidity_2m"`
			WindSpeed   float64 `json:"wind_speed_10m"`
			WeatherCode int     `json:"weather_code"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Report{}, fmt.Errorf("decode forecast response: %w", err)
	}

	return Report{
		Location:    p.Name,
		Region:      p.Admin1,
		Country:     p.Country,
		TempC:       body.Current.Temperature,
		WindKph:     body.Current.WindSpeed,
		Humidity:    body.Current.Humidity,
		Description: describeWeatherCode(body.Current.WeatherCode),
	}, nil
}

// extractLocation strips common request framing so the geocoder sees
// only the place name. Refined inputs from the retry loop usually
// arrive already stripped.
func extractLocation(input string) string {
	s := strings.TrimSpace(input)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"weather in ", "weather for ", "weather at ", "forecast for ", "forecast in ", "weather "} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	if lower == "weather" || lower == "forecast" {
		return ""
	}
	return s
}

// describeWeatherCode maps WMO weather codes to short descriptions.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 3:
		return "partly cloudy"
	case code <= 48:
		return "fog"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	default:
		return "thunderstorm"
	}
}

// Formatter renders a Report for final-pass context.
func Formatter() dispatch.Formatter {
	return dispatch.FormatterFunc(func(payload any) (string, error) {
		r, ok := payload.(Report)
		if !ok {
			return "", fmt.Errorf("weather formatter: unexpected payload %T", payload)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Current weather for %s", r.Location)
		if r.Region != "" {
			fmt.Fprintf(&sb, ", %s", r.Region)
		}
		if r.Country != "" {
			fmt.Fprintf(&sb, " (%s)", r.Country)
		}
		fmt.Fprintf(&sb, ":\n- Conditions: %s\n- Temperature: %.1f°C\n- Wind: %.1f km/h\n- Humidity: %d%%",
			r.Description, r.TempC, r.WindKph, r.Humidity)
		return sb.String(), nil
	})
}
