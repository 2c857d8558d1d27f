package export

import (
	"context"
	"fmt"
)

// Service renders transcripts into downloadable files.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export renders the transcript in the requested format.
func (s *Service) Export(ctx context.Context, t Transcript, format Format) (*Result, error) {
	html, err := RenderTranscriptHTML(buildTemplateData(t))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		return exportPDF(ctx, html, t.PropertyLabel)
	case FormatDOCX:
		return exportDOCX(html, t.PropertyLabel)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func buildTemplateData(t Transcript) TemplateData {
	data := TemplateData{
		PropertyLabel: t.PropertyLabel,
		OwnerName:     t.OwnerName,
		ViewerName:    t.ViewerName,
		CreatedAt:     t.CreatedAt,
		HasNote:       t.HasNote,
		NoteBody:      t.NoteBody,
		NoteAt:        t.NoteAt,
		Items:         make([]TemplateItem, 0, len(t.Items)),
	}
	for _, item := range t.Items {
		data.Items = append(data.Items, TemplateItem{
			IsUnlock:   item.Kind == "album_unlocked",
			AuthorName: item.AuthorName,
			Body:       item.Body,
			At:         item.At,
		})
	}
	return data
}
