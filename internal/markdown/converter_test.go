package markdown

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/recordsync/internal/csvparse"
)

const guide = `# Bike Guide

Choosing a bicycle for the city.

## Frames

Aluminium frames are light.
Steel frames are comfortable.

## Brakes

Disc brakes work in the rain.
`

func TestConvert_RowPerSection(t *testing.T) {
	rows, err := NewConverter(ConverterConfig{}).Convert([]byte(guide), "docs/Bike Guide.md")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "bike-guide-bike-guide", rows[0].Code)
	assert.Equal(t, "Bike Guide: Choosing a bicycle for the city.", rows[0].MetadataSmall)
	assert.Equal(t, "bike-guide-frames", rows[1].Code)
	assert.Equal(t, "Bike Guide > Frames: Aluminium frames are light. Steel frames are comfortable.", rows[1].MetadataSmall)
	assert.Equal(t, "Aluminium frames are light.\nSteel frames are comfortable.", rows[1].MetadataBig[0])
	assert.Empty(t, rows[1].MetadataBig[1])
}

func TestConvert_SplitsLongBodies(t *testing.T) {
	body := strings.Repeat("é", 30)
	rows, err := NewConverter(ConverterConfig{BigFieldBytes: 21, SummaryRunes: 10}).Convert([]byte("# T\n\n"+body+"\n"), "t.md")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	assert.Equal(t, 10, len([]rune(r.MetadataSmall)))
	assert.Equal(t, 20, len(r.MetadataBig[0]), "cut falls back to a rune boundary")
	assert.Equal(t, body, r.MetadataBig[0]+r.MetadataBig[1]+r.MetadataBig[2])
	assert.False(t, r.Truncated)

	rows, err = NewConverter(ConverterConfig{BigFieldBytes: 4}).Convert([]byte("# T\n\n"+body+"\n"), "t.md")
	require.NoError(t, err)
	assert.True(t, rows[0].Truncated)
}

func TestWriteCSV_ParsesBack(t *testing.T) {
	for _, encode := range []bool{false, true} {
		conv := NewConverter(ConverterConfig{Base64: encode})
		rows, err := conv.Convert([]byte(guide), "guide.md")
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, conv.WriteCSV(&buf, rows, ';'))

		result, err := csvparse.NewParser(';').Parse(buf.Bytes(), "guide.csv", "")
		require.NoError(t, err)
		require.Empty(t, result.Dropped)
		require.Len(t, result.Records, len(rows))
		for i, rec := range result.Records {
			assert.Equal(t, rows[i].Code, rec.Code)
			assert.Equal(t, rows[i].MetadataSmall, rec.MetadataSmall)
			assert.Equal(t, rows[i].MetadataBig[0], rec.MetadataBig1)
		}
	}
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "bike-guide", slug("Bike  Guide!"))
	assert.Equal(t, "doc", slug("***"))
	assert.Equal(t, "über-2", slug("Über 2"))
}
