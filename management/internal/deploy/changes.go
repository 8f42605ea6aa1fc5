package deploy

import (
	"encoding/json"

	"github.com/seomaster/platform/management/internal/clients"
	"github.com/seomaster/platform/management/internal/models"
)

const (
	defaultEntityType = "wordpress_post"
	defaultPriority   = 5
	defaultImpact     = 0.5
)

var entityTypes = map[models.TaskType]string{
	models.TaskUpdateMeta:       "wordpress_post",
	models.TaskUpdateContent:    "wordpress_content",
	models.TaskAddInternalLinks: "wordpress_post",
	models.TaskUpdateSchema:     "wordpress_post",
	models.TaskFix404:           "wordpress_redirect",
	models.TaskUpdateTildaPage:  "tilda_page",
}

// EntityType maps a task type to the kind of object the gateway edits.
func EntityType(t models.TaskType) string {
	if et, ok := entityTypes[t]; ok {
		return et
	}
	return defaultEntityType
}

// ExtractChanges derives the before/after document sent to the gateway from the
// task's metadata.
func ExtractChanges(task models.Task) clients.Changes {
	meta := task.Metadata
	switch task.TaskType {
	case models.TaskAddInternalLinks:
		links := []interface{}{}
		for _, l := range asMapSlice(meta["interlinks"]) {
			position, _ := l["position"].(string)
			if position == "" {
				position = "body"
			}
			links = append(links, map[string]interface{}{
				"target_url":  l["target_url"],
				"anchor_text": l["anchor_text"],
				"position":    position,
			})
		}
		return clients.Changes{
			Before: map[string]interface{}{"internal_links": []interface{}{}},
			After:  map[string]interface{}{"internal_links": links},
		}
	case models.TaskUpdateMeta:
		diff := asMap(meta["diff_data"])
		return clients.Changes{
			Before: metaFields(asMap(diff["before"])),
			After:  metaFields(asMap(diff["after"])),
		}
	case models.TaskUpdateSchema:
		diff := asMap(meta["diff_data"])
		return clients.Changes{
			Before: map[string]interface{}{"schema": schemaField(asMap(diff["before"]))},
			After:  map[string]interface{}{"schema": schemaField(asMap(diff["after"]))},
		}
	}
	if raw, ok := meta["diff_data"]; ok && raw != nil {
		diff := asMap(raw)
		return clients.Changes{Before: asMap(diff["before"]), After: asMap(diff["after"])}
	}
	return clients.Changes{Before: map[string]interface{}{}, After: asMap(meta["changes"])}
}

func metaFields(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 3)
	for _, k := range []string{"title", "description", "h1"} {
		v, ok := m[k]
		if !ok || v == nil {
			v = ""
		}
		out[k] = v
	}
	return out
}

func schemaField(m map[string]interface{}) interface{} {
	if v, ok := m["schema"]; ok && v != nil {
		return v
	}
	return map[string]interface{}{}
}

// Priority converts the task's impact (0..1) into the gateway's 1..10 scale.
// average_impact_score, set on generated interlink tasks, wins over impact_score.
func Priority(task models.Task) int {
	impact := defaultImpact
	if v, ok := task.Metadata.Float("impact_score"); ok {
		impact = v
	}
	if v, ok := task.Metadata.Float("average_impact_score"); ok {
		impact = v
	}
	p := int(impact * 10)
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// asMap returns v as a JSON object. Typed values stored in metadata in-process are
// normalised through encoding/json; anything that is not an object yields {}.
func asMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		return m
	case models.Metadata:
		return m
	}
	out := map[string]interface{}{}
	raw, err := json.Marshal(v)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func asMapSlice(v interface{}) []map[string]interface{} {
	if v == nil {
		return nil
	}
	if items, ok := v.([]interface{}); ok {
		out := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			out = append(out, asMap(it))
		}
		return out
	}
	var out []map[string]interface{}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
