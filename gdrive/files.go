// Package gdrive backs up a Google Drive folder tree to local disk, sending every Drive API call
// through a backoff.Coordinator so that the whole walk shares one rate limit.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/drive/v3"
)

// Mime types of the Drive-native kinds of file.
const (
	FolderMimeType       = "application/vnd.google-apps.folder"
	DocumentMimeType     = "application/vnd.google-apps.document"
	SpreadsheetMimeType  = "application/vnd.google-apps.spreadsheet"
	PresentationMimeType = "application/vnd.google-apps.presentation"
	DrawingMimeType      = "application/vnd.google-apps.drawing"

	googleAppsPrefix = "application/vnd.google-apps."
)

// Files is the part of the Drive API the backup needs.
type Files interface {
	// List returns one page of the children of folderID. An empty pageToken asks for the first
	// page.
	List(ctx context.Context, folderID, pageToken string) (*drive.FileList, error)
	// Export converts a Drive-native document to mimeType.
	Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error)
	// Download returns the content of a binary file.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

type service struct {
	srv *drive.Service
}

// NewFiles returns Files backed by a Drive API client.
func NewFiles(srv *drive.Service) Files {
	return service{srv: srv}
}

func (s service) List(ctx context.Context, folderID, pageToken string) (*drive.FileList, error) {
	call := s.srv.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))).
		Fields("nextPageToken, files(id, name, mimeType, size)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (s service) Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error) {
	resp, err := s.srv.Files.Export(fileID, mimeType).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s service) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := s.srv.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
