package dvr

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amaumene/tvcatalog/internal/config"
	"github.com/sirupsen/logrus"
)

// pageSize is the number of items requested per NowPlaying query
const pageSize = 50

// NowPlayingResponse represents the XML container returned by the DVR
type NowPlayingResponse struct {
	XMLName   xml.Name         `xml:"TiVoContainer"`
	Details   ContainerDetails `xml:"Details"`
	ItemStart int              `xml:"ItemStart"`
	ItemCount int              `xml:"ItemCount"`
	Items     []Item           `xml:"Item"`
}

// ContainerDetails describes the queried container
type ContainerDetails struct {
	Title      string `xml:"Title"`
	TotalItems int    `xml:"TotalItems"`
}

// Item represents a single entry of the NowPlaying list
type Item struct {
	Details ItemDetails `xml:"Details"`
}

// ItemDetails holds the program metadata of a recording
type ItemDetails struct {
	ContentType   string `xml:"ContentType"`
	Title         string `xml:"Title"`
	EpisodeTitle  string `xml:"EpisodeTitle"`
	EpisodeNumber string `xml:"EpisodeNumber"`
	CaptureDate   string `xml:"CaptureDate"` // hex unix seconds, e.g. 0x5E11A2C0
	ProgramID     string `xml:"ProgramId"`
}

// Program is one recording reported by the DVR
type Program struct {
	ExternalID   string
	SeriesTitle  string
	EpisodeTitle *string
	EpisodeCode  *int
	CapturedAt   *time.Time
}

// Client wraps NowPlaying HTTP calls to the DVR
type Client struct {
	baseURL    string
	mak        string
	location   *time.Location
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a new DVR client
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg.DVRURL == "" {
		return nil, fmt.Errorf("DVR URL is required")
	}

	location, err := cfg.DVRLocation()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:  cfg.DVRURL,
		mak:      cfg.DVRMAK,
		location: location,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

// ListRecordings returns every recording currently on the DVR
func (c *Client) ListRecordings(ctx context.Context) ([]Program, error) {
	var programs []Program

	for offset := 0; ; {
		resp, err := c.queryNowPlaying(ctx, offset)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			program, ok := convertItem(item, c.location)
			if !ok {
				c.logger.WithFields(logrus.Fields{
					"title":        item.Details.Title,
					"content_type": item.Details.ContentType,
				}).Debug("Skipping DVR item without program id")
				continue
			}
			programs = append(programs, program)
		}

		offset += len(resp.Items)
		if len(resp.Items) == 0 || offset >= resp.Details.TotalItems {
			break
		}
	}

	c.logger.WithField("count", len(programs)).Debug("DVR listing completed")

	return programs, nil
}

// queryNowPlaying fetches one page of the recursive NowPlaying container
func (c *Client) queryNowPlaying(ctx context.Context, offset int) (*NowPlayingResponse, error) {
	apiURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DVR URL: %w", err)
	}

	if apiURL.Path == "" || apiURL.Path == "/" {
		apiURL.Path = "/TiVoConnect"
	}

	params := url.Values{}
	params.Add("Command", "QueryContainer")
	params.Add("Container", "/NowPlaying")
	params.Add("Recurse", "Yes")
	params.Add("ItemCount", strconv.Itoa(pageSize))
	params.Add("AnchorOffset", strconv.Itoa(offset))
	apiURL.RawQuery = params.Encode()

	c.logger.WithFields(logrus.Fields{
		"url":    apiURL.String(),
		"offset": offset,
	}).Debug("Querying DVR NowPlaying")

	req, err := http.NewRequestWithContext(ctx, "GET", apiURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "tvcatalog/1.0")
	if c.mak != "" {
		req.SetBasicAuth("tivo", c.mak)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DVR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"body":        string(body),
		}).Error("DVR returned non-OK status")
		return nil, fmt.Errorf("DVR returned status %d", resp.StatusCode)
	}

	var nowPlaying NowPlayingResponse
	decoder := xml.NewDecoder(resp.Body)
	if err := decoder.Decode(&nowPlaying); err != nil {
		return nil, fmt.Errorf("failed to parse XML response: %w", err)
	}

	return &nowPlaying, nil
}

// convertItem maps a NowPlaying item to a Program with its capture time read in
// loc. Folders and items without a program id are rejected.
func convertItem(item Item, loc *time.Location) (Program, bool) {
	details := item.Details
	if details.ProgramID == "" || strings.Contains(details.ContentType, "folder") {
		return Program{}, false
	}

	program := Program{
		ExternalID:  details.ProgramID,
		SeriesTitle: strings.TrimSpace(details.Title),
	}

	if title := strings.TrimSpace(details.EpisodeTitle); title != "" {
		program.EpisodeTitle = &title
	}
	if code, err := strconv.Atoi(strings.TrimSpace(details.EpisodeNumber)); err == nil {
		program.EpisodeCode = &code
	}
	if captured, ok := ParseCaptureDate(details.CaptureDate, loc); ok {
		program.CapturedAt = &captured
	}

	return program, true
}

// ParseCaptureDate decodes a hex unix timestamp such as "0x5E11A2C0" into a
// time in loc, so its calendar day is the one the DVR recorded on
func ParseCaptureDate(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if value == "" {
		return time.Time{}, false
	}

	seconds, err := strconv.ParseInt(value, 16, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}, false
	}

	return time.Unix(seconds, 0).In(loc), true
}
