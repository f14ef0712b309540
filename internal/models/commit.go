package models

// Commit is a bookkeeping row for one external commit sighted during push
// reconstruction. It exists so commit notes, which the activity log reports
// without a commit id, can be matched back by title hash.
type Commit struct {
	ExternalData
	TitleHash     string `json:"title_hash"`
	InitialBranch string `json:"initial_branch"`
}

func (c *Commit) GetField(path string) (any, bool) {
	switch path {
	case "title_hash":
		return c.TitleHash, true
	case "initial_branch":
		return c.InitialBranch, true
	}
	return detailsGet(c.Details, path)
}

func (c *Commit) SetField(path string, v any) bool {
	switch path {
	case "title_hash":
		c.TitleHash, _ = v.(string)
	case "initial_branch":
		c.InitialBranch, _ = v.(string)
	default:
		return detailsSet(c.ensureDetails(), path, v)
	}
	return true
}

func (c *Commit) Clone() *Commit {
	out := *c
	out.ExternalData = c.ExternalData.clone()
	return &out
}
