package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"citation-capture/core/resolver"
	"citation-capture/core/utils"
	"citation-capture/feature/citation"

	"go.uber.org/zap"
)

// maxMetadataSize bounds the body read from the metadata API.
const maxMetadataSize = 8 << 20

// DataCite resolves DOI metadata from the DataCite REST API.
type DataCite struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewDataCite creates a resolver for cfg.DataCiteURL.
func NewDataCite(cfg resolver.Config, logger *zap.Logger) *DataCite {
	return &DataCite{
		client:  cfg.NewHTTPClient(),
		baseURL: strings.TrimRight(cfg.DataCiteURL, "/"),
		logger:  logger,
	}
}

// Fetch returns the raw DataCite document of doi.
func (d *DataCite) Fetch(ctx context.Context, doi string) ([]byte, error) {
	url := d.baseURL + "/" + doi
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.api+json")

	log := d.logger.With(zap.String("doi", doi), zap.String("url", url))
	log.Debug("Fetching DataCite metadata")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("datacite request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("DataCite request failed", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("datacite request failed with status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read datacite response: %w", err)
	}
	return raw, nil
}

type dataciteDocument struct {
	Data struct {
		ID         string              `json:"id"`
		Attributes *dataciteAttributes `json:"attributes"`
	} `json:"data"`
}

type dataciteAttributes struct {
	DOI    string `json:"doi"`
	Titles []struct {
		Title     string `json:"title"`
		TitleType string `json:"titleType"`
	} `json:"titles"`
	Creators []struct {
		Name       string `json:"name"`
		GivenName  string `json:"givenName"`
		FamilyName string `json:"familyName"`
	} `json:"creators"`
	Publisher       json.RawMessage `json:"publisher"`
	PublicationYear interface{}     `json:"publicationYear"`
	Dates           []struct {
		Date     string `json:"date"`
		DateType string `json:"dateType"`
	} `json:"dates"`
	Types struct {
		ResourceTypeGeneral string `json:"resourceTypeGeneral"`
	} `json:"types"`
	Version            string `json:"version"`
	RelatedIdentifiers []struct {
		RelatedIdentifier     string `json:"relatedIdentifier"`
		RelatedIdentifierType string `json:"relatedIdentifierType"`
		RelationType          string `json:"relationType"`
	} `json:"relatedIdentifiers"`
	Descriptions []struct {
		Description     string `json:"description"`
		DescriptionType string `json:"descriptionType"`
	} `json:"descriptions"`
	Subjects []struct {
		Subject string `json:"subject"`
	} `json:"subjects"`
	RightsList []struct {
		Rights           string `json:"rights"`
		RightsIdentifier string `json:"rightsIdentifier"`
	} `json:"rightsList"`
}

// Parse maps a DataCite document to registry metadata.
func (d *DataCite) Parse(raw []byte) (citation.Metadata, error) {
	var doc dataciteDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return citation.Metadata{}, fmt.Errorf("invalid datacite document: %w", err)
	}
	a := doc.Data.Attributes
	if a == nil {
		return citation.Metadata{}, errors.New("datacite document has no attributes")
	}

	meta := citation.Metadata{
		Version:   strings.TrimSpace(a.Version),
		Publisher: publisherName(a.Publisher),
		PubDate:   utils.ToString(a.PublicationYear),
	}
	if strings.EqualFold(a.Types.ResourceTypeGeneral, "Software") {
		meta.DocType = "software"
	} else {
		meta.DocType = strings.ToLower(a.Types.ResourceTypeGeneral)
	}

	for _, t := range a.Titles {
		if t.TitleType == "" && t.Title != "" {
			meta.Title = t.Title
			break
		}
	}
	if meta.Title == "" && len(a.Titles) > 0 {
		meta.Title = a.Titles[0].Title
	}

	for _, c := range a.Creators {
		name := c.Name
		if c.FamilyName != "" {
			name = c.FamilyName
			if c.GivenName != "" {
				name += ", " + c.GivenName
			}
		}
		if name = strings.TrimSpace(name); name != "" {
			meta.Authors = append(meta.Authors, name)
		}
	}

	for _, dt := range a.Dates {
		if strings.EqualFold(dt.DateType, "Issued") && dt.Date != "" {
			meta.PubDate = dt.Date
			break
		}
	}

	for _, r := range a.RelatedIdentifiers {
		if !strings.EqualFold(r.RelatedIdentifierType, "DOI") {
			continue
		}
		id := strings.ToLower(strings.TrimSpace(r.RelatedIdentifier))
		switch r.RelationType {
		case "IsVersionOf":
			meta.VersionOf = append(meta.VersionOf, id)
		case "HasVersion":
			meta.Versions = append(meta.Versions, id)
		}
	}

	for _, desc := range a.Descriptions {
		if strings.EqualFold(desc.DescriptionType, "Abstract") {
			meta.Abstract = desc.Description
			break
		}
	}
	for _, s := range a.Subjects {
		if s.Subject != "" {
			meta.Keywords = append(meta.Keywords, s.Subject)
		}
	}
	for _, r := range a.RightsList {
		if r.RightsIdentifier != "" {
			meta.License = r.RightsIdentifier
			break
		}
		if meta.License == "" {
			meta.License = r.Rights
		}
	}
	return meta, nil
}

// publisherName accepts both the string and the object form of the publisher field.
func publisherName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}
