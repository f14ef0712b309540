package importer

import (
	"context"
	"fmt"
	"strconv"

	"activity-mirror/internal/linkage"
	"activity-mirror/internal/models"
)

// ResolveUser maps an external account id onto an internal user, creating
// the internal row on first sighting.
func (e *Engine) ResolveUser(ctx context.Context, server *models.Server, externalUserID int64) (*models.User, error) {
	if externalUserID == 0 {
		return nil, fmt.Errorf("resolve user: %w", ErrNotFound)
	}
	probe := linkage.New(server.Ref(), linkage.Link{
		"user": map[string]any{"id": externalUserID},
	})
	user, err := e.store.FindUser(ctx, probe)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	account, err := e.transport.Fetch(ctx, server, "/users/"+strconv.FormatInt(externalUserID, 10), nil)
	if err != nil {
		return nil, err
	}
	return e.ImportUser(ctx, server, account)
}

// ImportUsers reconciles the server's full account list. Accounts that
// disappeared remotely keep their internal rows; membership is not ours to
// revoke from a poll.
func (e *Engine) ImportUsers(ctx context.Context, server *models.Server) (int, error) {
	accounts, err := e.transport.FetchAll(ctx, server, "/users", nil)
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, account := range accounts {
		if _, err := e.ImportUser(ctx, server, account); err != nil {
			if Fatal(err) {
				return imported, err
			}
			e.log.Warn("user_import_failed", "user_id", account["id"], "error", err)
			continue
		}
		imported++
	}
	return imported, nil
}

// ImportUser merges one external account into its internal user row.
func (e *Engine) ImportUser(ctx context.Context, server *models.Server, account map[string]any) (*models.User, error) {
	accountID := linkage.AsInt(account["id"])
	if accountID == 0 {
		return nil, fmt.Errorf("import user: account has no id: %w", ErrNotFound)
	}
	userLink := linkage.New(server.Ref(), linkage.Link{
		"user": map[string]any{"id": accountID},
	})
	found, err := e.store.FindUser(ctx, userLink)
	if err != nil {
		return nil, err
	}
	var after *models.User
	if found != nil {
		after = found.Clone()
	} else {
		after = &models.User{}
	}
	if _, err := linkage.Attach(after.Links(), userLink); err != nil {
		return nil, err
	}
	ref := server.Ref()
	props := []struct {
		path string
		prop Property
	}{
		{"type", Property{Value: "member", Overwrite: OverwriteNever}},
		{"username", Property{Value: str(account["username"]), Overwrite: OverwriteAlways, Ignore: str(account["username"]) == ""}},
		{"details.name", Property{Value: account["name"], Overwrite: OverwriteMatchPrevious, Ignore: account["name"] == nil}},
		{"details.email", Property{Value: account["email"], Overwrite: OverwriteNever, Ignore: account["email"] == nil}},
		{"details.url", Property{Value: account["web_url"], Overwrite: OverwriteAlways, Ignore: account["web_url"] == nil}},
	}
	for _, p := range props {
		if err := ImportProperty(after, ref, p.path, p.prop); err != nil {
			return nil, err
		}
	}
	if err := e.importAvatar(ctx, after, ref, str(account["avatar_url"])); err != nil {
		e.log.Warn("avatar_import_failed", "user_id", accountID, "error", err)
	}
	if found != nil && EqualValues(found, after) {
		return found, nil
	}
	if err := e.store.SaveUser(ctx, after); err != nil {
		return nil, err
	}
	return after, nil
}

func (e *Engine) importAvatar(ctx context.Context, user *models.User, ref linkage.ServerRef, avatarURL string) error {
	if e.media == nil || avatarURL == "" {
		return nil
	}
	cur := currentResource(user, "image")
	if cur != nil && str(cur["source_url"]) == avatarURL {
		return nil // already mirrored this exact image
	}
	entry, err := e.media.MirrorImage(ctx, avatarURL)
	if err != nil {
		return err
	}
	entry["type"] = "image"
	entry["source_url"] = avatarURL
	return ImportResource(user, ref, Resource{
		Type:      "image",
		Value:     entry,
		Overwrite: OverwriteMatchPrevious,
	})
}
