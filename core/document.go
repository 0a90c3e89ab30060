package core

import (
	"strings"
)

// DefaultCategory is used when a document carries no category.
const DefaultCategory = "其他"

// Document is an immutable source record. SourceID and Name are required,
// every other field is optional. Re-ingesting a document with the same
// SourceID supersedes the previous version.
type Document struct {
	SourceID string
	Name     string

	Description     string
	Symptoms        []string
	Causes          string
	Prevention      string
	Treatments      []string
	Checks          []string
	Transmission    string
	Complications   []string
	Categories      []string
	Departments     []string
	CureProbability string

	// Body holds free-form text for documents that are not structured
	// disease records. It is split into several chunks.
	Body string

	Tags map[string]string
}

// ID returns the content ID of the document's source id.
func (d *Document) ID() ID {
	return IDFromContent(d.SourceID)
}

// PrimaryCategory returns the most specific category, which is the last one listed.
func (d *Document) PrimaryCategory() string {
	for i := len(d.Categories) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(d.Categories[i]); c != "" {
			return c
		}
	}
	return DefaultCategory
}

// Department returns the departments joined for use as scalar metadata.
func (d *Document) Department() string {
	return strings.Join(d.Departments, "、")
}

// Structured reports whether the document has any labelled record field.
func (d *Document) Structured() bool {
	return d.Description != "" || len(d.Symptoms) > 0 || d.Causes != "" ||
		d.Prevention != "" || len(d.Treatments) > 0 || len(d.Checks) > 0 ||
		d.Transmission != "" || len(d.Complications) > 0
}

// Content renders the labelled record text that is embedded and indexed.
func (d *Document) Content() string {
	var parts []string
	add := func(label, value string) {
		value = CleanText(value)
		if value != "" {
			parts = append(parts, label+"："+value)
		}
	}

	add("疾病名称", d.Name)
	add("描述", d.Description)
	add("症状", strings.Join(d.Symptoms, "、"))
	add("病因", d.Causes)
	add("预防", d.Prevention)
	add("治疗方式", strings.Join(d.Treatments, "、"))
	add("检查", strings.Join(d.Checks, "、"))
	add("传染/获得方式", d.Transmission)
	add("并发症", strings.Join(d.Complications, "、"))
	add("治愈率", d.CureProbability)

	return strings.Join(parts, "\n")
}

// CleanText collapses runs of whitespace into single spaces and trims the result.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
