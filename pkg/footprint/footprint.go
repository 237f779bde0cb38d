// Package footprint builds requests for the Global Footprint Network API and
// decodes its records.
package footprint

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kelasih/aws-etl-global-footprint-network/pkg/client"
)

// Year bounds of the published national footprint accounts.
const (
	DefaultStartYear = 2000
	DefaultEndYear   = 2024

	// MinYear is the first year the API publishes data for.
	MinYear = 1961
)

// YearRequest returns the request for every country's records in year.
// Its identifier is data_all_<year>.
func YearRequest(year int) client.FetchRequest {
	y := strconv.Itoa(year)
	return client.NewFetchRequest("data_all_"+y, "/data/all/"+y, nil)
}

// YearRange returns one request per year in [from, to], in ascending order.
func YearRange(from, to int) ([]client.FetchRequest, error) {
	if from < MinYear {
		return nil, fmt.Errorf("start year %d is before %d", from, MinYear)
	}
	if to < from {
		return nil, fmt.Errorf("end year %d is before start year %d", to, from)
	}

	reqs := make([]client.FetchRequest, 0, to-from+1)
	for year := from; year <= to; year++ {
		reqs = append(reqs, YearRequest(year))
	}
	return reqs, nil
}

// Record is one row of a /data/all/{year} payload: a metric for one country,
// split over the six land-use categories.
type Record struct {
	Year          int      `json:"year"`
	CountryCode   int      `json:"countryCode"`
	CountryName   string   `json:"countryName"`
	ShortName     string   `json:"shortName"`
	ISOA2         string   `json:"isoa2"`
	Record        string   `json:"record"`
	CropLand      *float64 `json:"cropLand"`
	GrazingLand   *float64 `json:"grazingLand"`
	ForestLand    *float64 `json:"forestLand"`
	FishingGround *float64 `json:"fishingGround"`
	BuiltupLand   *float64 `json:"builtupLand"`
	Carbon        *float64 `json:"carbon"`
	Value         *float64 `json:"value"`
	Score         string   `json:"score"`
}

// DecodeRecords parses a /data/all/{year} payload.
func DecodeRecords(payload []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode footprint records: %w", err)
	}
	return records, nil
}
