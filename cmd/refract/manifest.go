package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zsiec/refract/media"
)

// jsonManifest is the wire form of the CLI's manifest format: a JSON
// document enumerating adaptations and representations with URL templates.
type jsonManifest struct {
	IsLive            bool             `json:"isLive"`
	MinPosition       float64          `json:"minPosition"`
	MaxPosition       float64          `json:"maxPosition"`
	SegmentDuration   float64          `json:"segmentDuration"`
	AvailabilityStart string           `json:"availabilityStart,omitempty"`
	Adaptations       []jsonAdaptation `json:"adaptations"`
}

type jsonAdaptation struct {
	ID              string               `json:"id"`
	Type            string               `json:"type"`
	Language        string               `json:"language,omitempty"`
	Representations []jsonRepresentation `json:"representations"`
}

type jsonRepresentation struct {
	ID            string `json:"id"`
	Bitrate       int64  `json:"bitrate"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Codec         string `json:"codec,omitempty"`
	InitURL       string `json:"initUrl,omitempty"`
	MediaTemplate string `json:"mediaTemplate"`
}

// manifestLoader fetches and decodes the JSON manifest format from an HTTP
// URL or a local file path.
type manifestLoader struct {
	client *http.Client
}

func newManifestLoader() *manifestLoader {
	return &manifestLoader{client: &http.Client{Timeout: 30 * time.Second}}
}

// Load implements player.ManifestLoader.
func (l *manifestLoader) Load(ctx context.Context, url string) (*media.Manifest, error) {
	raw, err := l.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	var jm jsonManifest
	if err := json.Unmarshal(raw, &jm); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	m := &media.Manifest{
		IsLive:          jm.IsLive,
		MinPosition:     jm.MinPosition,
		MaxPosition:     jm.MaxPosition,
		SegmentDuration: jm.SegmentDuration,
		Adaptations:     make(map[media.TrackType][]media.Adaptation),
	}
	if jm.AvailabilityStart != "" {
		start, err := time.Parse(time.RFC3339, jm.AvailabilityStart)
		if err != nil {
			return nil, fmt.Errorf("parse availabilityStart: %w", err)
		}
		m.AvailabilityStart = start
	}

	for _, ja := range jm.Adaptations {
		ad := media.Adaptation{
			ID:       ja.ID,
			Type:     media.TrackType(ja.Type),
			Language: ja.Language,
		}
		for _, jr := range ja.Representations {
			ad.Representations = append(ad.Representations, media.Representation{
				ID:            jr.ID,
				Bitrate:       jr.Bitrate,
				Width:         jr.Width,
				Height:        jr.Height,
				Codec:         jr.Codec,
				InitURL:       jr.InitURL,
				MediaTemplate: jr.MediaTemplate,
			})
		}
		ad.Sort()
		m.Adaptations[ad.Type] = append(m.Adaptations[ad.Type], ad)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *manifestLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return os.ReadFile(strings.TrimPrefix(url, "file://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
