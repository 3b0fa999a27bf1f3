package tvdb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// airedLayout is the date format TVDB uses for first-aired dates
const airedLayout = "2006-01-02"

// SeriesResult is one hit of a series search, in provider rank order
type SeriesResult struct {
	ProviderID string
	Name       string
	Year       string
}

// SeriesDetail is the provider record of a series
type SeriesDetail struct {
	ProviderID string
	Name       string
	Year       string
}

// EpisodeRecord is one canonical episode as reported by the provider
type EpisodeRecord struct {
	ProviderID       string
	SeriesProviderID string
	Season           int
	Number           int
	AbsoluteNumber   *int
	Title            string
	FirstAired       *time.Time
}

// Update is one entry of the changed-entities feed
type Update struct {
	EntityType       string
	RecordID         string
	SeriesProviderID string
	ChangedAt        time.Time
}

type searchResponse struct {
	Status string `json:"status"`
	Data   []struct {
		TVDBID string `json:"tvdb_id"`
		Name   string `json:"name"`
		Year   string `json:"year"`
	} `json:"data"`
}

type seriesResponse struct {
	Status string `json:"status"`
	Data   *struct {
		ID   *int64 `json:"id"`
		Name string `json:"name"`
		Year string `json:"year"`
	} `json:"data"`
}

type episodeData struct {
	ID             *int64  `json:"id"`
	SeriesID       int64   `json:"seriesId"`
	Name           *string `json:"name"`
	Aired          *string `json:"aired"`
	SeasonNumber   *int    `json:"seasonNumber"`
	Number         *int    `json:"number"`
	AbsoluteNumber *int    `json:"absoluteNumber"`
}

type links struct {
	Next *string `json:"next"`
}

type episodesResponse struct {
	Status string `json:"status"`
	Data   struct {
		Episodes []episodeData `json:"episodes"`
	} `json:"data"`
	Links links `json:"links"`
}

type episodeResponse struct {
	Status string       `json:"status"`
	Data   *episodeData `json:"data"`
}

type updatesResponse struct {
	Status string `json:"status"`
	Data   []struct {
		RecordType string `json:"recordType"`
		RecordID   int64  `json:"recordId"`
		SeriesID   int64  `json:"seriesId"`
		TimeStamp  int64  `json:"timeStamp"`
		EntityType string `json:"entityType"`
		Method     string `json:"method"`
	} `json:"data"`
	Links links `json:"links"`
}

// SearchSeries searches the series catalog with a formatted search key.
// Results are cached per key for the configured TTL.
func (c *Client) SearchSeries(ctx context.Context, key string) ([]SeriesResult, error) {
	if cached, found := c.searchCache.Get(key); found {
		c.logger.WithField("key", key).Debug("Series search served from cache")
		return cached.([]SeriesResult), nil
	}

	params := url.Values{}
	params.Set("query", key)
	params.Set("type", "series")

	var resp searchResponse
	if err := c.doRequest(ctx, "GET", "/search?"+params.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to search series: %w", err)
	}

	results := make([]SeriesResult, 0, len(resp.Data))
	for _, hit := range resp.Data {
		if hit.TVDBID == "" || hit.Name == "" {
			return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("search %q: result without tvdb_id or name", key)}
		}
		results = append(results, SeriesResult{
			ProviderID: hit.TVDBID,
			Name:       hit.Name,
			Year:       hit.Year,
		})
	}

	c.searchCache.Set(key, results, cache.DefaultExpiration)

	c.logger.WithFields(logrus.Fields{
		"key":   key,
		"count": len(results),
	}).Debug("Series search completed")

	return results, nil
}

// GetSeries fetches the provider record of a series
func (c *Client) GetSeries(ctx context.Context, providerID string) (*SeriesDetail, error) {
	var resp seriesResponse
	if err := c.doRequest(ctx, "GET", "/series/"+url.PathEscape(providerID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get series %s: %w", providerID, err)
	}

	if resp.Data == nil || resp.Data.ID == nil || resp.Data.Name == "" {
		return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("series %s: response missing id or name", providerID)}
	}

	return &SeriesDetail{
		ProviderID: strconv.FormatInt(*resp.Data.ID, 10),
		Name:       resp.Data.Name,
		Year:       resp.Data.Year,
	}, nil
}

// GetSeriesEpisodes fetches every episode summary of a series, following pagination
func (c *Client) GetSeriesEpisodes(ctx context.Context, providerID string) ([]EpisodeRecord, error) {
	var episodes []EpisodeRecord

	for page := 0; ; page++ {
		path := fmt.Sprintf("/series/%s/episodes/default?page=%d", url.PathEscape(providerID), page)

		var resp episodesResponse
		if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to get episodes of series %s: %w", providerID, err)
		}

		for _, data := range resp.Data.Episodes {
			episode, err := convertEpisode(data, providerID)
			if err != nil {
				return nil, err
			}
			episodes = append(episodes, *episode)
		}

		if resp.Links.Next == nil || *resp.Links.Next == "" || len(resp.Data.Episodes) == 0 {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"series_id": providerID,
		"count":     len(episodes),
	}).Debug("Fetched series episodes")

	return episodes, nil
}

// GetEpisode fetches one episode record
func (c *Client) GetEpisode(ctx context.Context, providerID string) (*EpisodeRecord, error) {
	var resp episodeResponse
	if err := c.doRequest(ctx, "GET", "/episodes/"+url.PathEscape(providerID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get episode %s: %w", providerID, err)
	}
	if resp.Data == nil {
		return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("episode %s: empty response", providerID)}
	}
	return convertEpisode(*resp.Data, "")
}

// GetUpdates fetches every entity changed since the given time
func (c *Client) GetUpdates(ctx context.Context, since time.Time) ([]Update, error) {
	sinceUnix := since.Unix()
	if sinceUnix < 0 {
		sinceUnix = 0
	}

	var updates []Update
	for page := 0; ; page++ {
		path := fmt.Sprintf("/updates?since=%d&page=%d", sinceUnix, page)

		var resp updatesResponse
		if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to get updates: %w", err)
		}

		for _, entry := range resp.Data {
			seriesID := entry.SeriesID
			if entry.EntityType == "series" && seriesID == 0 {
				seriesID = entry.RecordID
			}
			if seriesID == 0 {
				// Updates to people, artwork and the like carry no series
				continue
			}
			if entry.TimeStamp == 0 {
				return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("update of %s %d without timeStamp", entry.EntityType, entry.RecordID)}
			}
			updates = append(updates, Update{
				EntityType:       entry.EntityType,
				RecordID:         strconv.FormatInt(entry.RecordID, 10),
				SeriesProviderID: strconv.FormatInt(seriesID, 10),
				ChangedAt:        time.Unix(entry.TimeStamp, 0).UTC(),
			})
		}

		if resp.Links.Next == nil || *resp.Links.Next == "" || len(resp.Data) == 0 {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"since": since,
		"count": len(updates),
	}).Debug("Fetched provider updates")

	return updates, nil
}

// convertEpisode validates the required fields of an episode payload
func convertEpisode(data episodeData, seriesProviderID string) (*EpisodeRecord, error) {
	if data.ID == nil {
		return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("episode of series %s: missing id", seriesProviderID)}
	}
	id := strconv.FormatInt(*data.ID, 10)
	if data.SeasonNumber == nil || data.Number == nil {
		return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("episode %s: missing seasonNumber or number", id)}
	}

	if data.SeriesID != 0 {
		seriesProviderID = strconv.FormatInt(data.SeriesID, 10)
	}

	episode := &EpisodeRecord{
		ProviderID:       id,
		SeriesProviderID: seriesProviderID,
		Season:           *data.SeasonNumber,
		Number:           *data.Number,
		AbsoluteNumber:   data.AbsoluteNumber,
	}
	if data.Name != nil {
		episode.Title = *data.Name
	}
	if data.Aired != nil && *data.Aired != "" {
		aired, err := time.Parse(airedLayout, *data.Aired)
		if err != nil {
			return nil, &models.DataIntegrityError{Reason: fmt.Sprintf("episode %s: bad aired date %q", id, *data.Aired)}
		}
		episode.FirstAired = &aired
	}

	return episode, nil
}
