package models

// Document types recognised by the per-audience allow-lists.
const (
	DocReglamentoEscolar    = "reglamento_escolar"
	DocCalendarioAcademico  = "calendario_academico"
	DocMenuAlmuerzos        = "menu_almuerzos"
	DocDocumentoGeneral     = "documento_general"
	DocCircularApoderados   = "circular_apoderados"
	DocManualProcedimientos = "manual_procedimientos"
)

// User types
const (
	UserEstudiante = "estudiante"
	UserApoderado  = "apoderado"
	UserProfesor   = "profesor"
	UserAdmin      = "admin"
)

// ChunkMetadata describes where a chunk came from.
type ChunkMetadata struct {
	FileName     string            `json:"file_name"`
	DocumentType string            `json:"document_type"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// AsMap flattens the metadata into a string map, the shape vector stores keep.
func (m ChunkMetadata) AsMap() map[string]string {
	out := make(map[string]string, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["file_name"] = m.FileName
	out["document_type"] = m.DocumentType
	return out
}

// MetadataFromMap is the inverse of AsMap.
func MetadataFromMap(in map[string]string) ChunkMetadata {
	md := ChunkMetadata{}
	for k, v := range in {
		switch k {
		case "file_name":
			md.FileName = v
		case "document_type":
			md.DocumentType = v
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]string)
			}
			md.Extra[k] = v
		}
	}
	return md
}

// Chunk is a bounded segment of a source document. Immutable once stored.
type Chunk struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"-"`
}
