package app

import (
	"context"

	"chatClient/pkg/api"
)

func (a *App) UpdateProfile(ctx context.Context, firstName, lastName string, color int) error {
	current, ok := a.store.User()
	if !ok {
		return api.ErrNoSession
	}
	updated, err := a.services.Profile.UpdateProfile(ctx, current, firstName, lastName, color)
	if err != nil {
		a.fail(err, "Failed to update profile")
		return err
	}
	a.replaceUser(updated)
	a.notify.Success("Profile successfully updated")
	return nil
}

func (a *App) UploadAvatar(ctx context.Context, path string) error {
	current, ok := a.store.User()
	if !ok {
		return api.ErrNoSession
	}
	updated, err := a.services.Profile.UploadAvatar(ctx, current, path)
	if err != nil {
		a.fail(err, "Failed to upload image")
		return err
	}
	a.replaceUser(updated)
	a.notify.Success("Image updated successfully")
	return nil
}

func (a *App) RemoveAvatar(ctx context.Context) error {
	current, ok := a.store.User()
	if !ok {
		return api.ErrNoSession
	}
	updated, err := a.services.Profile.RemoveAvatar(ctx, current)
	if err != nil {
		a.fail(err, "Failed to remove image")
		return err
	}
	a.replaceUser(updated)
	a.notify.Success("Image removed successfully")
	return nil
}
