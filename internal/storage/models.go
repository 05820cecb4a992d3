package storage

import (
	"time"

	"github.com/google/uuid"
)

// DefaultNamespace is used when an upload does not name a namespace.
const DefaultNamespace = "default"

// DefaultVectorDimension is the embedding size for text-embedding-3-small.
const DefaultVectorDimension = 1536

// Record is one ingested CSV row. It lives in the document store and is the
// record of truth; only Code and MetadataSmall are embedded.
type Record struct {
	Code          string    `gorm:"column:code;primaryKey" json:"code"`
	FileName      string    `gorm:"column:file_name;index;not null" json:"fileName"`
	Namespace     string    `gorm:"column:namespace;index;not null;default:default" json:"namespace"`
	MetadataSmall string    `gorm:"column:metadata_small;not null" json:"metadata_small"`
	MetadataBig1  string    `gorm:"column:metadata_big_1;type:text" json:"metadata_big_1,omitempty"`
	MetadataBig2  string    `gorm:"column:metadata_big_2;type:text" json:"metadata_big_2,omitempty"`
	MetadataBig3  string    `gorm:"column:metadata_big_3;type:text" json:"metadata_big_3,omitempty"`
	Source        string    `gorm:"column:source" json:"source,omitempty"`
	Timestamp     time.Time `gorm:"column:timestamp;autoCreateTime" json:"timestamp"`
}

// TableName pins the table name used by gorm.
func (Record) TableName() string { return "records" }

// VectorMetadata is the projection of a Record stored next to its vector.
// The big metadata fields are deliberately absent: they exceed typical
// vector store payload limits.
type VectorMetadata struct {
	Code          string `json:"code"`
	FileName      string `json:"fileName,omitempty"`
	MetadataSmall string `json:"metadata_small"`
	Namespace     string `json:"namespace"`
}

// VectorEntry is the unit stored in the vector store. ID equals the record code.
type VectorEntry struct {
	ID       string
	Values   []float32
	Metadata VectorMetadata
}

// IsOrphan reports whether the entry has lost its file provenance.
func (v VectorEntry) IsOrphan() bool {
	return v.Metadata.FileName == ""
}

// Projection builds the vector metadata for a record.
func (r Record) Projection() VectorMetadata {
	ns := r.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return VectorMetadata{
		Code:          r.Code,
		FileName:      r.FileName,
		MetadataSmall: r.MetadataSmall,
		Namespace:     ns,
	}
}

// Match is a scored vector search hit.
type Match struct {
	ID       string
	Score    float64
	Metadata VectorMetadata
}

// Filter restricts vector scans and queries. Empty fields match everything.
type Filter struct {
	FileName  string
	Namespace string
}

// IndexStats describes the vector index as a whole.
type IndexStats struct {
	TotalCount uint64
	Dimension  int
}

// FileCount is the number of records a file has in one namespace.
type FileCount struct {
	FileName  string `json:"fileName"`
	Namespace string `json:"namespace"`
	Count     int64  `json:"count"`
}

// pointNamespace seeds the deterministic point ids derived from record codes.
var pointNamespace = uuid.MustParse("6f1c7c1e-2b0a-4f44-9a53-7d3b1d2c9e10")

// PointID maps a record code to the UUID used as vector store point id.
// Codes are arbitrary strings while Qdrant accepts only UUIDs or integers.
func PointID(code string) string {
	return uuid.NewSHA1(pointNamespace, []byte(code)).String()
}
