package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
)

func TestInferTrigger(t *testing.T) {
	tests := []struct {
		name  string
		query string
		known []string
		want  string
	}{
		{
			name:  "masks explained spans",
			query: "Poll SFTP every 5 minutes and transform to JSON",
			known: []string{"poll sftp", "transform to json"},
			want:  "every 5 minutes",
		},
		{
			name:  "picks the clause with most content",
			query: "read the file, then route by customer region and priority",
			want:  "route by customer region",
		},
		{
			name:  "trims to six tokens",
			query: "archive every processed invoice file into the cold storage bucket nightly",
			want:  "archive every processed invoice file",
		},
		{
			name:  "fully explained query",
			query: "Poll SFTP!",
			known: []string{"poll sftp"},
			want:  "",
		},
		{
			name:  "empty",
			query: "  ",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferTrigger(tt.query, tt.known))
		})
	}
}

func TestGuessCategory(t *testing.T) {
	tests := map[string]component.Category{
		"Timer":       component.CategoryMonitoring,
		"JSONMapper":  component.CategoryTransformation,
		"SFTPAdapter": component.CategorySourceAdapter,
		"ErrorRouter": component.CategoryErrorHandling,
		"KafkaSink":   component.CategoryTargetAdapter,
		"Widget":      component.CategoryTransformation,
	}
	for typ, want := range tests {
		assert.Equal(t, want, guessCategory(typ), typ)
	}
}
