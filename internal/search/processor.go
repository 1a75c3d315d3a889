package search

import (
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
)

// OptionsFromRequest converts a validated request into engine options for orgID.
// defaultThreshold applies when the request carries none.
func OptionsFromRequest(req *models.SearchRequest, orgID string, defaultThreshold float64) Options {
	threshold := defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	mode := req.Mode
	if mode != models.ModeHybrid {
		mode = models.ModeVector
	}
	return Options{
		OrgID:         orgID,
		Limit:         req.Limit,
		Threshold:     threshold,
		Mode:          mode,
		RecordingIDs:  req.RecordingIDs,
		ContentTypes:  req.ContentTypes,
		TagIDs:        req.TagIDs,
		TagFilterMode: req.TagFilterMode,
		CollectionID:  req.CollectionID,
		FavoritesOnly: req.FavoritesOnly,
		DateFrom:      req.DateFrom,
		DateTo:        req.DateTo,
	}
}

func (o Options) filter(pool int) storage.CandidateFilter {
	return storage.CandidateFilter{
		OrgID:         o.OrgID,
		RecordingIDs:  o.RecordingIDs,
		ContentTypes:  o.ContentTypes,
		TagIDs:        o.TagIDs,
		TagMode:       o.TagFilterMode,
		CollectionID:  o.CollectionID,
		DateFrom:      o.DateFrom,
		DateTo:        o.DateTo,
		FavoritesOnly: o.FavoritesOnly,
		Modality:      o.Modality,
		Limit:         pool,
	}
}
