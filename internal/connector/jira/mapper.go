package jira

import (
	"strings"
	"time"

	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/mapper"
)

// =============================================================================
// DESCRIPTORS
// =============================================================================

var ticketDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelTicket,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("fields.created", jiraTime),
	UpdatedAt: mapper.From("fields.updated", jiraTime),
	Fields: map[string]mapper.Field{
		// Writing a key (or a bare project key) files the issue in that
		// project; Jira assigns the issue number. Issues cannot move.
		"key": mapper.OnCreate(mapper.Field{
			Read:  mapper.From("key", mapper.ToString),
			Write: mapper.To("fields.project.key", projectKey),
		}),
		"summary":     mapper.Both("fields.summary", mapper.ToString, mapper.ToString),
		"description": {Read: mapper.From("fields.description", adfText), Write: mapper.To("fields.description", toADF)},
		"status":      mapper.ReadOnly(mapper.From("fields.status.name", mapper.ToString)),
		"priority":    mapper.Both("fields.priority.name", mapper.Enum(priorities), mapper.Enum(mapper.Invert(priorities))),
		"type":        mapper.Both("fields.issuetype.name", mapper.ToString, mapper.ToString),
		"labels":      mapper.Both("fields.labels", nonEmptyList, mapper.AsList),
		"url":         mapper.ReadOnly(mapper.FromAll(browseURL, "self", "key")),
		"assignee":    userRef("fields.assignee.accountId"),
		"reporter":    userRef("fields.reporter.accountId"),
	},
}

var userDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelUser,
	ID:        mapper.From("accountId", mapper.ToString),
	CreatedAt: mapper.None(),
	UpdatedAt: mapper.None(),
	Fields: map[string]mapper.Field{
		"name":   mapper.ReadOnly(mapper.From("displayName", mapper.ToString)),
		"email":  mapper.ReadOnly(mapper.From("emailAddress", mapper.ToString)),
		"active": mapper.ReadOnly(mapper.From("active", mapper.ToBool)),
	},
}

var descriptors = map[cdm.Model]*mapper.Descriptor{
	cdm.ModelTicket: ticketDescriptor,
	cdm.ModelUser:   userDescriptor,
}

// priorities maps Jira's default scheme to canonical levels. Custom
// priority names pass through unchanged.
var priorities = map[string]string{
	"Highest": "highest",
	"High":    "high",
	"Medium":  "medium",
	"Low":     "low",
	"Lowest":  "lowest",
}

// issueFields are requested on every issue read.
var issueFields = []string{
	"summary", "description", "status", "priority", "issuetype", "labels",
	"assignee", "reporter", "project", "created", "updated",
}

func userRef(p string) mapper.Field {
	return mapper.Field{
		Read:  mapper.From(p, mapper.Ref(cdm.ModelUser)),
		Write: mapper.To(p, mapper.RefID),
	}
}

// =============================================================================
// TRANSFORMS
// =============================================================================

var jiraTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

func jiraTime(v any) any {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	for _, layout := range jiraTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return nil
}

func projectKey(v any) any {
	s, _ := mapper.ToString(v).(string)
	if s == "" {
		return nil
	}
	project, _, _ := strings.Cut(s, "-")
	return project
}

func nonEmptyList(v any) any {
	if l, ok := v.([]any); ok && len(l) > 0 {
		return l
	}
	return nil
}

// browseURL links to the issue on its site. REST URLs through the API
// gateway do not name the site and give no link.
func browseURL(v any) any {
	vals := v.([]any)
	self, _ := vals[0].(string)
	key, _ := vals[1].(string)
	host := siteHost(self)
	if key == "" || !strings.HasSuffix(host, ".atlassian.net") {
		return nil
	}
	return "https://" + host + "/browse/" + key
}

// adfBlocks end a line when flattening a document.
var adfBlocks = map[string]bool{
	"paragraph": true, "heading": true, "blockquote": true, "codeBlock": true,
	"listItem": true, "rule": true, "panel": true,
}

// adfText flattens an Atlassian Document Format tree into plain text.
// Plain string descriptions (API v2, webhooks) pass through.
func adfText(v any) any {
	switch t := v.(type) {
	case string:
		return mapper.ToString(t)
	case map[string]any:
		var b strings.Builder
		writeADF(&b, t)
		if s := strings.TrimSpace(b.String()); s != "" {
			return s
		}
	}
	return nil
}

func writeADF(b *strings.Builder, node map[string]any) {
	typ, _ := node["type"].(string)
	switch typ {
	case "text":
		s, _ := node["text"].(string)
		b.WriteString(s)
	case "hardBreak":
		b.WriteString("\n")
	case "mention", "emoji":
		attrs, _ := node["attrs"].(map[string]any)
		s, _ := attrs["text"].(string)
		b.WriteString(s)
	}
	children, _ := node["content"].([]any)
	for _, c := range children {
		if child, ok := c.(map[string]any); ok {
			writeADF(b, child)
		}
	}
	if adfBlocks[typ] && !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
}

// toADF wraps plain text as a document with one paragraph per line.
func toADF(v any) any {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	var paragraphs []any
	for _, line := range strings.Split(s, "\n") {
		p := map[string]any{"type": "paragraph"}
		if line != "" {
			p["content"] = []any{map[string]any{"type": "text", "text": line}}
		}
		paragraphs = append(paragraphs, p)
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}
