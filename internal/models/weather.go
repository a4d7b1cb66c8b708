package models

import "time"

const iconBaseURL = "https://openweathermap.org/img/wn/"

// WeatherRecord is the normalized current-weather value returned to callers.
// Records are passed by value; a copy handed out is never mutated by the cache.
type WeatherRecord struct {
	CityName           string    `json:"cityName"`
	Country            string    `json:"country,omitempty"`
	Temperature        float64   `json:"temperature"`
	FeelsLike          float64   `json:"feelsLike"`
	TempMin            float64   `json:"tempMin"`
	TempMax            float64   `json:"tempMax"`
	Humidity           int       `json:"humidity"`
	Pressure           int       `json:"pressure"`
	WindSpeed          float64   `json:"windSpeed"`
	WindDegree         int       `json:"windDegree"`
	Cloudiness         int       `json:"cloudiness"`
	Visibility         int       `json:"visibility"`
	Sunrise            int64     `json:"sunrise"`
	Sunset             int64     `json:"sunset"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	WeatherMain        string    `json:"weatherMain"`
	WeatherDescription string    `json:"weatherDescription"`
	WeatherIcon        string    `json:"weatherIcon"`
	FromCache          bool      `json:"fromCache"`
	Timestamp          time.Time `json:"timestamp"`
}

// IconURL returns the provider icon URL for the condition, or "" when no icon is set.
func (r WeatherRecord) IconURL() string {
	if r.WeatherIcon == "" {
		return ""
	}
	return iconBaseURL + r.WeatherIcon + "@2x.png"
}
