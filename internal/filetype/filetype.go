// Package filetype validates uploads and maps file names to the supported
// document types.
package filetype

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
)

var ErrUnsupportedType = errors.New("unsupported file type")

const (
	TypePDF   = "pdf"
	TypeWord  = "word"
	TypeExcel = "excel"
)

var extensionTypes = map[string]string{
	".pdf":  TypePDF,
	".xlsx": TypeExcel,
	".xls":  TypeExcel,
	".docx": TypeWord,
	".doc":  TypeWord,
	".dotx": TypeWord,
	".dot":  TypeWord,
	".docm": TypeWord,
	".dotm": TypeWord,
	".odt":  TypeWord,
}

// Detect returns the document type for an upload. The extension decides
// the type; when content is provided its magic bytes must not contradict
// the extension.
func Detect(name string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	docType, ok := extensionTypes[ext]
	if !ok {
		return "", ErrUnsupportedType
	}
	if len(content) > 0 && !magicMatches(docType, content) {
		return "", ErrUnsupportedType
	}
	return docType, nil
}

// magicMatches accepts the known container signatures for each type:
// %PDF for PDF, ZIP (OOXML/ODF) or OLE (legacy Office) for Word and Excel.
func magicMatches(docType string, content []byte) bool {
	if len(content) < 4 {
		return false
	}
	switch docType {
	case TypePDF:
		return bytes.HasPrefix(content, []byte("%PDF"))
	case TypeWord, TypeExcel:
		return bytes.HasPrefix(content, []byte{0x50, 0x4B, 0x03, 0x04}) ||
			bytes.HasPrefix(content, []byte{0xD0, 0xCF, 0x11, 0xE0})
	default:
		return false
	}
}

// ContentType returns the MIME type used when storing the original bytes.
func ContentType(docType string) string {
	switch docType {
	case TypePDF:
		return "application/pdf"
	case TypeWord:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case TypeExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
