package models

import (
	"strings"
	"time"

	"activity-mirror/internal/linkage"
)

// Server is one configured external Git host instance.
type Server struct {
	ID       int64          `json:"id"`
	Type     string         `json:"type"` // "gitlab", "github", ...
	Title    string         `json:"title,omitempty"`
	APIURL   string         `json:"api_url"`
	APIToken string         `json:"-"`
	Disabled bool           `json:"disabled,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (s *Server) Ref() linkage.ServerRef {
	return linkage.ServerRef{ID: s.ID, Type: s.Type}
}

// WebhookSecret is the per-server hook delivery secret, empty when unset.
func (s *Server) WebhookSecret() string {
	v, _ := s.Details["webhook_secret"].(string)
	return v
}

// ExternalData is the shared shape of every row that can be connected to
// external systems. ID values below 1 mean "not yet saved".
type ExternalData struct {
	ID       int64          `json:"id"`
	Deleted  bool           `json:"deleted"`
	Details  map[string]any `json:"details"`
	External []linkage.Link `json:"external"`
	Mtime    time.Time      `json:"mtime,omitempty"`
}

func (d *ExternalData) Links() *[]linkage.Link {
	return &d.External
}

func (d *ExternalData) Saved() bool {
	return d.ID >= 1
}

func (d *ExternalData) ensureDetails() map[string]any {
	if d.Details == nil {
		d.Details = map[string]any{}
	}
	return d.Details
}

func (d *ExternalData) clone() ExternalData {
	out := *d
	out.Details = copyMap(d.Details)
	out.External = make([]linkage.Link, len(d.External))
	for i, lk := range d.External {
		out.External[i] = lk.Copy()
	}
	return out
}

// Repo mirrors an external repository/project.
type Repo struct {
	ExternalData
	Type    string  `json:"type"`
	Name    string  `json:"name"`
	UserIDs []int64 `json:"user_ids"`
}

// User mirrors an external account; one link per connected server.
type User struct {
	ExternalData
	Type     string  `json:"type"` // "member", "regular", "disabled"
	Username string  `json:"username"`
	RoleIDs  []int64 `json:"role_ids"`
}

// Story is one unit of activity in the feed: issue, merge request, push,
// branch, milestone, wiki edit, repo event, post.
type Story struct {
	ExternalData
	Type      string     `json:"type"`
	UserIDs   []int64    `json:"user_ids"` // first entry is the primary author
	RoleIDs   []int64    `json:"role_ids"`
	Tags      []string   `json:"tags"`
	Language  string     `json:"language,omitempty"`
	Public    bool       `json:"public"`
	Published bool       `json:"published"`
	Ptime     *time.Time `json:"ptime,omitempty"` // absent means draft
}

// Reaction is a response to a Story: note, assignment, tracking link, like.
type Reaction struct {
	ExternalData
	Type      string     `json:"type"`
	StoryID   int64      `json:"story_id"`
	UserID    int64      `json:"user_id"`
	Public    bool       `json:"public"`
	Published bool       `json:"published"`
	Ptime     *time.Time `json:"ptime,omitempty"`
}

// FieldAccessor is implemented by every importable row type. Paths address
// either a typed top-level field ("type", "public", ...) or an entry in the
// details bag ("details.title"). Unknown top-level paths report false.
type FieldAccessor interface {
	GetField(path string) (any, bool)
	SetField(path string, v any) bool
	Links() *[]linkage.Link
}

func (s *Story) GetField(path string) (any, bool) {
	switch path {
	case "type":
		return s.Type, true
	case "user_ids":
		return s.UserIDs, true
	case "role_ids":
		return s.RoleIDs, true
	case "tags":
		return s.Tags, true
	case "language":
		return s.Language, true
	case "public":
		return s.Public, true
	case "published":
		return s.Published, true
	case "ptime":
		return timeField(s.Ptime)
	}
	return detailsGet(s.Details, path)
}

func (s *Story) SetField(path string, v any) bool {
	switch path {
	case "type":
		s.Type, _ = v.(string)
	case "user_ids":
		s.UserIDs = toInt64s(v)
	case "role_ids":
		s.RoleIDs = toInt64s(v)
	case "tags":
		s.Tags = toStrings(v)
	case "language":
		s.Language, _ = v.(string)
	case "public":
		s.Public, _ = v.(bool)
	case "published":
		s.Published, _ = v.(bool)
	case "ptime":
		s.Ptime = toTime(v)
	default:
		return detailsSet(s.ensureDetails(), path, v)
	}
	return true
}

func (s *Story) Clone() *Story {
	out := *s
	out.ExternalData = s.ExternalData.clone()
	out.UserIDs = append([]int64(nil), s.UserIDs...)
	out.RoleIDs = append([]int64(nil), s.RoleIDs...)
	out.Tags = append([]string(nil), s.Tags...)
	return &out
}

func (r *Reaction) GetField(path string) (any, bool) {
	switch path {
	case "type":
		return r.Type, true
	case "story_id":
		return r.StoryID, true
	case "user_id":
		return r.UserID, true
	case "public":
		return r.Public, true
	case "published":
		return r.Published, true
	case "ptime":
		return timeField(r.Ptime)
	}
	return detailsGet(r.Details, path)
}

func (r *Reaction) SetField(path string, v any) bool {
	switch path {
	case "type":
		r.Type, _ = v.(string)
	case "story_id":
		r.StoryID = linkage.AsInt(v)
	case "user_id":
		r.UserID = linkage.AsInt(v)
	case "public":
		r.Public, _ = v.(bool)
	case "published":
		r.Published, _ = v.(bool)
	case "ptime":
		r.Ptime = toTime(v)
	default:
		return detailsSet(r.ensureDetails(), path, v)
	}
	return true
}

func (r *Reaction) Clone() *Reaction {
	out := *r
	out.ExternalData = r.ExternalData.clone()
	return &out
}

func (rp *Repo) GetField(path string) (any, bool) {
	switch path {
	case "type":
		return rp.Type, true
	case "name":
		return rp.Name, true
	case "user_ids":
		return rp.UserIDs, true
	}
	return detailsGet(rp.Details, path)
}

func (rp *Repo) SetField(path string, v any) bool {
	switch path {
	case "type":
		rp.Type, _ = v.(string)
	case "name":
		rp.Name, _ = v.(string)
	case "user_ids":
		rp.UserIDs = toInt64s(v)
	default:
		return detailsSet(rp.ensureDetails(), path, v)
	}
	return true
}

func (rp *Repo) Clone() *Repo {
	out := *rp
	out.ExternalData = rp.ExternalData.clone()
	out.UserIDs = append([]int64(nil), rp.UserIDs...)
	return &out
}

func (u *User) GetField(path string) (any, bool) {
	switch path {
	case "type":
		return u.Type, true
	case "username":
		return u.Username, true
	case "role_ids":
		return u.RoleIDs, true
	}
	return detailsGet(u.Details, path)
}

func (u *User) SetField(path string, v any) bool {
	switch path {
	case "type":
		u.Type, _ = v.(string)
	case "username":
		u.Username, _ = v.(string)
	case "role_ids":
		u.RoleIDs = toInt64s(v)
	default:
		return detailsSet(u.ensureDetails(), path, v)
	}
	return true
}

func (u *User) Clone() *User {
	out := *u
	out.ExternalData = u.ExternalData.clone()
	out.RoleIDs = append([]int64(nil), u.RoleIDs...)
	return &out
}

func detailsGet(details map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	if parts[0] != "details" {
		return nil, false
	}
	var cur any = details
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func detailsSet(details map[string]any, path string, v any) bool {
	parts := strings.Split(path, ".")
	if parts[0] != "details" || len(parts) < 2 {
		return false
	}
	m := details
	for _, p := range parts[1 : len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	last := parts[len(parts)-1]
	if v == nil {
		delete(m, last)
	} else {
		m[last] = v
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyMap(t)
		case []any:
			s := make([]any, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					s[i] = copyMap(em)
				} else {
					s[i] = e
				}
			}
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

func timeField(t *time.Time) (any, bool) {
	if t == nil {
		return nil, false
	}
	return *t, true
}

func toTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return &parsed
		}
	}
	return nil
}

func toInt64s(v any) []int64 {
	switch t := v.(type) {
	case []int64:
		return t
	case []any:
		out := make([]int64, 0, len(t))
		for _, e := range t {
			out = append(out, linkage.AsInt(e))
		}
		return out
	}
	return nil
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
