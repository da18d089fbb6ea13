package domain

import "time"

// LocationInput is the "location" block of an observation payload. The
// localtime fields belong to the observation and are split off by
// [ObservationInput.LocationIdentity] and [ObservationInput.ObservedAt].
type LocationInput struct {
	Name           string  `json:"name" validate:"max=255"`
	Region         string  `json:"region" validate:"max=255"`
	Country        string  `json:"country" validate:"max=255"`
	Lat            float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon            float64 `json:"lon" validate:"gte=-180,lte=180"`
	TzID           string  `json:"tz_id" validate:"max=100"`
	LocaltimeEpoch int64   `json:"localtime_epoch"`
	Localtime      string  `json:"localtime" validate:"max=50"`
}

// ConditionInput is the "current.condition" block.
type ConditionInput struct {
	Code int    `json:"code"`
	Text string `json:"text" validate:"max=255"`
	Icon string `json:"icon" validate:"max=255"`
}

// Measurements holds the per-observation weather values. The struct is
// shared by the payload, the persisted row, and the API response so the
// field list lives in one place.
type Measurements struct {
	// Temperature
	TempC      float64 `json:"temp_c" db:"temp_c"`
	TempF      float64 `json:"temp_f" db:"temp_f"`
	FeelsLikeC float64 `json:"feelslike_c" db:"feelslike_c"`
	FeelsLikeF float64 `json:"feelslike_f" db:"feelslike_f"`
	WindChillC float64 `json:"windchill_c" db:"windchill_c"`
	WindChillF float64 `json:"windchill_f" db:"windchill_f"`
	HeatIndexC float64 `json:"heatindex_c" db:"heatindex_c"`
	HeatIndexF float64 `json:"heatindex_f" db:"heatindex_f"`
	DewPointC  float64 `json:"dewpoint_c" db:"dewpoint_c"`
	DewPointF  float64 `json:"dewpoint_f" db:"dewpoint_f"`

	// Wind
	WindMph    float64 `json:"wind_mph" db:"wind_mph"`
	WindKph    float64 `json:"wind_kph" db:"wind_kph"`
	WindDegree int     `json:"wind_degree" db:"wind_degree" validate:"gte=0,lte=360"`
	WindDir    string  `json:"wind_dir" db:"wind_dir" validate:"max=10"`
	GustMph    float64 `json:"gust_mph" db:"gust_mph"`
	GustKph    float64 `json:"gust_kph" db:"gust_kph"`

	// Atmosphere
	PressureMb float64 `json:"pressure_mb" db:"pressure_mb"`
	PressureIn float64 `json:"pressure_in" db:"pressure_in"`
	PrecipMm   float64 `json:"precip_mm" db:"precip_mm"`
	PrecipIn   float64 `json:"precip_in" db:"precip_in"`
	Humidity   int     `json:"humidity" db:"humidity" validate:"gte=0,lte=100"`
	Cloud      int     `json:"cloud" db:"cloud" validate:"gte=0,lte=100"`

	// Visibility
	VisKm    float64 `json:"vis_km" db:"vis_km"`
	VisMiles float64 `json:"vis_miles" db:"vis_miles"`

	// Solar radiation
	UV       float64 `json:"uv" db:"uv"`
	ShortRad float64 `json:"short_rad" db:"short_rad"`
	DiffRad  float64 `json:"diff_rad" db:"diff_rad"`
	DNI      float64 `json:"dni" db:"dni"`
	GTI      float64 `json:"gti" db:"gti"`

	IsDay int `json:"is_day" db:"is_day" validate:"oneof=0 1"`
}

// CurrentInput is the "current" block: the condition sub-block, the
// provider's last-updated stamp, and the measurements.
type CurrentInput struct {
	LastUpdatedEpoch int64          `json:"last_updated_epoch"`
	LastUpdated      string         `json:"last_updated" validate:"max=50"`
	Condition        ConditionInput `json:"condition"`
	Measurements
}

// ObservationInput is a validated observation payload.
type ObservationInput struct {
	Location LocationInput `json:"location"`
	Current  CurrentInput  `json:"current"`
}

// LocationIdentity returns the location fields of the payload without the
// observation timestamps.
func (in ObservationInput) LocationIdentity() Location {
	return Location{
		Name:    in.Location.Name,
		Region:  in.Location.Region,
		Country: in.Location.Country,
		Lat:     in.Location.Lat,
		Lon:     in.Location.Lon,
		TzID:    in.Location.TzID,
	}
}

// ConditionIdentity returns the condition fields of the payload.
func (in ObservationInput) ConditionIdentity() Condition {
	return Condition{
		Code: in.Current.Condition.Code,
		Text: in.Current.Condition.Text,
		Icon: in.Current.Condition.Icon,
	}
}

// ObservedAt returns the source timestamp pair that is part of the natural key.
func (in ObservationInput) ObservedAt() (int64, string) {
	return in.Location.LocaltimeEpoch, in.Location.Localtime
}

// Location is a persisted place. Rows are created on first reference and
// never changed afterwards.
type Location struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Region    string    `json:"region" db:"region"`
	Country   string    `json:"country" db:"country"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	TzID      string    `json:"tz_id" db:"tz_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Condition is a persisted weather-condition code.
type Condition struct {
	ID        int64     `json:"id" db:"id"`
	Code      int       `json:"code" db:"code"`
	Text      string    `json:"text" db:"text"`
	Icon      string    `json:"icon" db:"icon"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Observation is a persisted fact row with its dimensions denormalised for
// API responses. JSON names follow the payload so a record reads back the
// way it was sent.
type Observation struct {
	ID        int64     `json:"id"`
	Location  Location  `json:"location"`
	Condition Condition `json:"condition"`

	ObservedAtEpoch  int64  `json:"localtime_epoch"`
	ObservedAt       string `json:"localtime"`
	LastUpdatedEpoch int64  `json:"last_updated_epoch"`
	LastUpdated      string `json:"last_updated"`

	Measurements

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Page is one page of observations plus the total match count.
type Page struct {
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Records  []Observation `json:"records"`
}
