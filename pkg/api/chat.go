package api

import (
	"context"
	"net/http"
	"strconv"
)

type ChatService interface {
	History(ctx context.Context, counterpart string) ([]Message, error)
	UploadFile(ctx context.Context, path string) (Upload, error)
	UploadAudio(ctx context.Context, path string, duration float64) (Upload, error)
}

type chatService struct {
	backend *Backend
}

func NewChatService(backend *Backend) ChatService {
	return &chatService{backend: backend}
}

// History returns the conversation with counterpart, oldest first.
func (c *chatService) History(ctx context.Context, counterpart string) ([]Message, error) {
	if counterpart == "" {
		return nil, &ValidationError{Message: "No conversation selected"}
	}

	var resp struct {
		Messages []Message `json:"messages"`
	}
	body := map[string]string{"userId": counterpart}
	if _, err := c.backend.doJSON(ctx, http.MethodPost, GetMessagesRoute, nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *chatService) UploadFile(ctx context.Context, path string) (Upload, error) {
	return c.upload(ctx, path, nil)
}

func (c *chatService) UploadAudio(ctx context.Context, path string, duration float64) (Upload, error) {
	extra := map[string]string{"duration": strconv.FormatFloat(duration, 'f', -1, 64)}
	return c.upload(ctx, path, extra)
}

func (c *chatService) upload(ctx context.Context, path string, extra map[string]string) (Upload, error) {
	var upload Upload
	if _, err := c.backend.doMultipart(ctx, UploadFileRoute, "file", path, extra, &upload); err != nil {
		return Upload{}, err
	}
	if upload.FileUrl == "" {
		return Upload{}, &APIError{Status: http.StatusOK, Message: "Upload returned no file"}
	}
	return upload, nil
}
