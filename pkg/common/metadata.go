package common

import (
	"encoding/json"
	"fmt"
)

// ChunkMetadata is the closed set of metadata shapes a chunk can carry.
// Each shape is a concrete struct so that citation and expansion logic can
// switch on the variant instead of probing loosely typed maps.
type ChunkMetadata interface {
	metadataKind() string
}

// PDFPageMetadata locates a chunk on a page of a paginated document.
type PDFPageMetadata struct {
	Page int `json:"page"`
}

func (PDFPageMetadata) metadataKind() string { return "pdf_page" }

// CodeLocationMetadata locates a chunk inside a source file.
type CodeLocationMetadata struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

func (CodeLocationMetadata) metadataKind() string { return "code_location" }

type metadataEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalChunkMetadata encodes a metadata variant into its tagged JSON
// envelope. A nil metadata encodes to null.
func MarshalChunkMetadata(m ChunkMetadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataEnvelope{Kind: m.metadataKind(), Data: data})
}

// UnmarshalChunkMetadata decodes a tagged JSON envelope back into its
// concrete variant. Unknown kinds are an error so that schema drift is
// caught at the boundary instead of silently dropped.
func UnmarshalChunkMetadata(raw []byte) (ChunkMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "pdf_page":
		var m PDFPageMetadata
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "code_location":
		var m CodeLocationMetadata
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown chunk metadata kind %q", env.Kind)
	}
}
