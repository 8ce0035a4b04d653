package destination

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/urlrelay/internal/logctx"
)

type putioFiles interface {
	Search(ctx context.Context, query string, page int64) (putio.Search, error)
	Upload(ctx context.Context, r io.Reader, filename string, parent int64) (putio.Upload, error)
}

// Putio uploads into a put.io folder. An empty folder means the account root.
type Putio struct {
	files  putioFiles
	folder string

	mu       sync.Mutex
	resolved bool
	parentID int64
}

func NewPutio(token, folder string) *Putio {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Putio{files: putio.NewClient(oauthClient).Files, folder: folder}
}

func (p *Putio) Upload(ctx context.Context, obj Object, r io.Reader) error {
	logger := logctx.LoggerFromContext(ctx).With("destination", "putio", "folder", p.folder)

	parentID, err := p.folderID(ctx)
	if err != nil {
		return err
	}

	upload, err := p.files.Upload(ctx, r, obj.Name, parentID)
	if err != nil {
		return &NetworkError{
			Operation:  "upload_file",
			APIMessage: fmt.Sprintf("failed to upload %s to put.io: %v", obj.Name, err),
			Err:        err,
		}
	}

	if upload.File != nil {
		logger.InfoContext(ctx, "file uploaded to put.io", "file_id", upload.File.ID)
	}

	return nil
}

func (p *Putio) Close() error { return nil }

func (p *Putio) folderID(ctx context.Context) (int64, error) {
	if p.folder == "" {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return p.parentID, nil
	}

	id, err := p.findDirectoryID(ctx)
	if err != nil {
		return 0, err
	}

	p.parentID, p.resolved = id, true

	return id, nil
}

func (p *Putio) findDirectoryID(ctx context.Context) (int64, error) {
	search, err := p.files.Search(ctx, p.folder, 1)
	if err != nil {
		return 0, &NetworkError{Operation: "search_folder", APIMessage: err.Error(), Err: err}
	}

	if len(search.Files) == 0 {
		return 0, &DirectoryError{DirectoryName: p.folder, Reason: "directory not found"}
	}

	if !search.Files[0].IsDir() {
		return 0, &DirectoryError{DirectoryName: p.folder, Reason: "search result is not a directory"}
	}

	return search.Files[0].ID, nil
}
