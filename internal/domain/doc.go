// Package domain models current-weather observations as published by the
// upstream fetcher and persisted by the ingestion API.
//
// # Payload
//
// Each queue message is the JSON body of a weatherapi.com "current.json"
// response:
//
//	{
//	  "location": {"name", "region", "country", "lat", "lon", "tz_id",
//	               "localtime_epoch", "localtime"},
//	  "current":  {"last_updated_epoch", "last_updated",
//	               "condition": {"code", "text", "icon"},
//	               ...measurement fields}
//	}
//
// The two "localtime" keys describe the observation, not the place, so they
// are split off the location block and stored on the observation row as
// observed_at_epoch and observed_at_text.
//
// # Identity
//
// Locations are deduplicated by exact (lat, lon) by default, conditions by
// their numeric code. An observation is identified by the natural key
// (location_id, condition_id, observed_at_epoch); a second payload with the
// same key is a republish and overwrites the measurements in place.
//
// # Validation
//
// [ParseObservation] checks key presence first, so a payload that lacks a
// key fails with [MissingFieldError] rather than being stored with a zero
// value. Present but unusable values fail with [ValidationError]. JSON null
// counts as missing.
package domain
