package importer

import (
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

const resourcesPath = "details.resources"

// Resource describes one attached-media entry to merge into the object's
// resource list. Entries are identified by their "type" slot ("image",
// "website", ...); a nil Value means the slot should be removed.
type Resource struct {
	Type      string
	Value     map[string]any
	Overwrite string
	Ignore    bool
}

// ImportResource is the list-slot variant of ImportProperty: it inserts,
// replaces, or removes the resource entry of the given type under the same
// three overwrite policies, tracking per-type snapshots in the link.
func ImportResource(obj models.FieldAccessor, server linkage.ServerRef, res Resource) error {
	if res.Ignore {
		return nil
	}
	lk := linkage.Find(*obj.Links(), server, nil)
	if lk == nil {
		return fmt.Errorf("import resource %q: %w", res.Type, linkage.ErrNoParentLink)
	}
	cur := currentResource(obj, res.Type)
	switch res.Overwrite {
	case OverwriteAlways:
		applyResource(obj, res.Type, res.Value)
	case OverwriteNever:
		if cur == nil && res.Value != nil {
			applyResource(obj, res.Type, res.Value)
		}
	case OverwriteMatchPrevious:
		key := resourcesPath + "." + res.Type
		if EqualValues(cur, linkage.PeekSnapshot(lk, "_import", key)) {
			applyResource(obj, res.Type, res.Value)
			linkage.ImportSnapshot(lk)[key] = NormalizeValue(res.Value)
		}
	default:
		return fmt.Errorf("import resource %q: %w: %q", res.Type, ErrUnknownOverwrite, res.Overwrite)
	}
	return nil
}

func currentResource(obj models.FieldAccessor, typ string) map[string]any {
	list, _ := obj.GetField(resourcesPath)
	for _, e := range asSlice(list) {
		if m, ok := e.(map[string]any); ok {
			if t, _ := m["type"].(string); t == typ {
				return m
			}
		}
	}
	return nil
}

func applyResource(obj models.FieldAccessor, typ string, value map[string]any) {
	list, _ := obj.GetField(resourcesPath)
	out := make([]any, 0)
	replaced := false
	for _, e := range asSlice(list) {
		m, ok := e.(map[string]any)
		if ok {
			if t, _ := m["type"].(string); t == typ {
				if value != nil && !replaced {
					out = append(out, value)
					replaced = true
				}
				continue // drop when value is nil
			}
		}
		out = append(out, e)
	}
	if value != nil && !replaced {
		out = append(out, value)
	}
	if len(out) == 0 {
		obj.SetField(resourcesPath, nil)
		return
	}
	obj.SetField(resourcesPath, out)
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}
