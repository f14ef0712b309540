package importer

import (
	"fmt"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// Overwrite policies. "always" is for system-of-record fields only the
// external host can change; "never" is first-import-wins; "match-previous"
// is a three-way merge that lets local edits survive reimports.
const (
	OverwriteAlways        = "always"
	OverwriteNever         = "never"
	OverwriteMatchPrevious = "match-previous"
)

// Property describes one external field to merge into an internal object.
// Ignore marks a field that was absent or invalid at the source.
type Property struct {
	Value     any
	Overwrite string
	Ignore    bool
}

// ImportProperty applies one external field into obj at path under the
// property's overwrite policy. The object must already carry a link to the
// server; the link's import snapshot records what was last imported so later
// convergence checks compare against the right baseline.
func ImportProperty(obj models.FieldAccessor, server linkage.ServerRef, path string, p Property) error {
	if p.Ignore {
		return nil
	}
	lk := linkage.Find(*obj.Links(), server, nil)
	if lk == nil {
		return fmt.Errorf("import %q: %w", path, linkage.ErrNoParentLink)
	}
	switch p.Overwrite {
	case OverwriteAlways:
		obj.SetField(path, p.Value)
	case OverwriteNever:
		if cur, ok := obj.GetField(path); !ok || cur == nil {
			obj.SetField(path, p.Value)
		}
	case OverwriteMatchPrevious:
		cur, _ := obj.GetField(path)
		// Overwrite only when the live value still equals what we last
		// imported, meaning nobody edited it locally in between. On a local
		// edit both the live value and the snapshot are left alone, so the
		// local edit keeps winning until the external value moves again.
		if EqualValues(cur, linkage.PeekSnapshot(lk, "_import", path)) {
			obj.SetField(path, p.Value)
			linkage.ImportSnapshot(lk)[path] = NormalizeValue(p.Value)
		}
	default:
		return fmt.Errorf("import %q: %w: %q", path, ErrUnknownOverwrite, p.Overwrite)
	}
	return nil
}
