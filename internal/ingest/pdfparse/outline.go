package pdfparse

import (
	"log/slog"
	"reflect"

	"github.com/ledongthuc/pdf"
)

// OutlineEntry is one table-of-contents entry as stored in the PDF
// container: its nesting level (1-based), title, and starting page.
// Used only transiently during ingestion.
type OutlineEntry struct {
	Level     int
	Title     string
	StartPage int
}

// extractOutline walks the document catalog's outline tree and resolves
// each entry's destination to a page number. Entries whose destination
// cannot be mapped to a page are skipped with a warning.
func extractOutline(reader *pdf.Reader) []OutlineEntry {
	pageByObj := buildPageObjectMap(reader)

	root := reader.Trailer().Key("Root").Key("Outlines")
	if root.IsNull() {
		return nil
	}

	var entries []OutlineEntry
	walkOutline(root, 1, pageByObj, &entries)
	return entries
}

func walkOutline(node pdf.Value, level int, pageByObj map[uint64]int, out *[]OutlineEntry) {
	for item := node.Key("First"); item.Kind() == pdf.Dict; item = item.Key("Next") {
		title := item.Key("Title").Text()
		if title != "" {
			if page, ok := resolveDestPage(item, pageByObj); ok {
				*out = append(*out, OutlineEntry{Level: level, Title: title, StartPage: page})
			} else {
				slog.Warn("pdfparse: outline entry has unmappable destination, skipping",
					"title", title, "level", level)
			}
		}
		walkOutline(item, level+1, pageByObj, out)
	}
}

// resolveDestPage resolves an outline item's destination (either a
// direct /Dest array or a /A GoTo action) to a 1-based page number.
func resolveDestPage(item pdf.Value, pageByObj map[uint64]int) (int, bool) {
	dest := item.Key("Dest")
	if dest.Kind() != pdf.Array {
		dest = item.Key("A").Key("D")
	}
	if dest.Kind() != pdf.Array || dest.Len() == 0 {
		// Named destinations would need a walk of the catalog's name
		// tree; the manuals this service ingests use direct arrays.
		return 0, false
	}
	page, ok := pageByObj[valueObjectID(dest.Index(0))]
	return page, ok
}

// buildPageObjectMap maps each page dictionary's object id to its
// 1-based page number so destination arrays can be resolved.
func buildPageObjectMap(reader *pdf.Reader) map[uint64]int {
	m := make(map[uint64]int, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		m[valueObjectID(page.V)] = i
	}
	return m
}

// valueObjectID reads a pdf.Value's underlying object pointer via
// reflection. The library resolves indirect references on Key/Index but
// never exposes the object identity we need to match a destination
// array's page reference against the page tree.
//
// Internal layout used (ledongthuc/pdf):
//
//	Value  { r *Reader; ptr objptr; data interface{} }
//	objptr { id uint32; gen uint16 }
func valueObjectID(v pdf.Value) uint64 {
	ptr := reflect.ValueOf(v).Field(1)
	return ptr.Field(0).Uint()<<16 | ptr.Field(1).Uint()
}
