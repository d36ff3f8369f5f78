package common

import (
	"reflect"
	"testing"
)

func TestChunkMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		meta ChunkMetadata
	}{
		{name: "pdf page", meta: PDFPageMetadata{Page: 42}},
		{name: "code location", meta: CodeLocationMetadata{File: "internal/server/server.go", StartLine: 10, EndLine: 25}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			raw, err := MarshalChunkMetadata(tc.meta)
			if err != nil {
				t.Fatalf("MarshalChunkMetadata failed: %v", err)
			}
			got, err := UnmarshalChunkMetadata(raw)
			if err != nil {
				t.Fatalf("UnmarshalChunkMetadata failed: %v", err)
			}
			if !reflect.DeepEqual(got, tc.meta) {
				t.Fatalf("round trip = %+v, want %+v", got, tc.meta)
			}
		})
	}
}

func TestChunkMetadataNil(t *testing.T) {
	t.Parallel()

	raw, err := MarshalChunkMetadata(nil)
	if err != nil {
		t.Fatalf("MarshalChunkMetadata failed: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("nil metadata encoded as %s, want null", raw)
	}

	got, err := UnmarshalChunkMetadata(raw)
	if err != nil {
		t.Fatalf("UnmarshalChunkMetadata failed: %v", err)
	}
	if got != nil {
		t.Fatalf("null decoded to %+v, want nil", got)
	}
	if got, err := UnmarshalChunkMetadata(nil); err != nil || got != nil {
		t.Fatalf("empty input decoded to %+v, %v, want nil, nil", got, err)
	}
}

func TestChunkMetadataUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := UnmarshalChunkMetadata([]byte(`{"kind":"spreadsheet_cell","data":{}}`)); err == nil {
		t.Fatal("unknown metadata kind accepted")
	}
}

func TestChunkPageNumber(t *testing.T) {
	t.Parallel()

	c := Chunk{Metadata: PDFPageMetadata{Page: 7}}
	if page, ok := c.PageNumber(); !ok || page != 7 {
		t.Fatalf("PageNumber = %d, %v, want 7, true", page, ok)
	}
	if _, ok := (Chunk{}).PageNumber(); ok {
		t.Fatal("PageNumber reported a page for metadata-free chunk")
	}
}
