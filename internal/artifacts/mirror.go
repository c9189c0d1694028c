package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/seqlab/champ/internal/tracking"
)

// MirrorSource adapts a tracking.Mirror into the acquisition chain. The
// mirror is keyed by the same relative layout the local source uses, so an
// artifact backed up from one machine restores on any other.
type MirrorSource struct {
	Mirror tracking.Mirror
}

func (s *MirrorSource) Name() string { return "mirror" }

func (s *MirrorSource) Fetch(ctx context.Context, req FetchRequest, dest string) (bool, error) {
	remote := filepath.ToSlash(relativeArtifactPath(req))
	found, err := s.Mirror.Restore(ctx, remote, dest, true)
	if err != nil {
		return false, fmt.Errorf("restoring %s from mirror: %w", remote, err)
	}
	return found, nil
}

// AzureMirror implements tracking.Mirror on an Azure blob container.
// Directories are stored as blob prefixes; a restore of a directory downloads
// every blob under the prefix.
type AzureMirror struct {
	client    *azblob.Client
	container string
	prefix    string
	log       *zap.Logger
}

// NewAzureMirror connects to a container URL of the form
// https://<account>.blob.core.windows.net/<container> using the ambient Azure
// credential chain (env vars, managed identity, az CLI).
func NewAzureMirror(containerURL, prefix string, log *zap.Logger) (*AzureMirror, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("building Azure credential: %w", err)
	}

	serviceURL, containerName, err := splitContainerURL(containerURL)
	if err != nil {
		return nil, err
	}

	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &AzureMirror{
		client:    client,
		container: containerName,
		prefix:    strings.Trim(prefix, "/"),
		log:       log,
	}, nil
}

// Restore downloads remotePath (a blob, or a prefix when isDir) into
// localPath. Returns false with a nil error when the remote does not exist.
func (m *AzureMirror) Restore(ctx context.Context, remotePath, localPath string, isDir bool) (bool, error) {
	if !isDir {
		return m.restoreBlob(ctx, m.blobName(remotePath), localPath)
	}

	prefix := m.blobName(remotePath) + "/"
	pager := m.client.NewListBlobsFlatPager(m.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	found := false
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("listing mirror blobs under %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rel := strings.TrimPrefix(*item.Name, prefix)
			target := filepath.Join(localPath, filepath.FromSlash(rel))
			if _, err := m.restoreBlob(ctx, *item.Name, target); err != nil {
				return false, err
			}
			found = true
		}
	}
	return found, nil
}

func (m *AzureMirror) restoreBlob(ctx context.Context, blobName, localPath string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	m.log.Debug("restoring blob", zap.String("blob", blobName), zap.String("dest", localPath))

	_, err = m.client.DownloadFile(ctx, m.container, blobName, f, nil)
	if err != nil {
		_ = os.Remove(localPath)
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("downloading blob %s: %w", blobName, err)
	}
	return true, nil
}

// Backup uploads localPath (a file, or a directory tree when isDir) under
// remotePath. Returns false with a nil error when localPath does not exist,
// so callers can back up opportunistically.
func (m *AzureMirror) Backup(ctx context.Context, localPath, remotePath string, isDir bool) (bool, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if !isDir || !info.IsDir() {
		return true, m.backupFile(ctx, localPath, m.blobName(remotePath))
	}

	err = filepath.WalkDir(localPath, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		blob := m.blobName(path.Join(remotePath, filepath.ToSlash(rel)))
		return m.backupFile(ctx, p, blob)
	})
	if err != nil {
		return false, fmt.Errorf("backing up %s to mirror: %w", localPath, err)
	}
	return true, nil
}

func (m *AzureMirror) backupFile(ctx context.Context, localPath, blobName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	m.log.Debug("backing up blob", zap.String("src", localPath), zap.String("blob", blobName))

	if _, err := m.client.UploadFile(ctx, m.container, blobName, f, nil); err != nil {
		return fmt.Errorf("uploading blob %s: %w", blobName, err)
	}
	return nil
}

func (m *AzureMirror) blobName(remotePath string) string {
	remotePath = strings.Trim(remotePath, "/")
	if m.prefix == "" {
		return remotePath
	}
	return m.prefix + "/" + remotePath
}

func splitContainerURL(raw string) (serviceURL, containerName string, err error) {
	raw = strings.TrimSuffix(raw, "/")
	idx := strings.LastIndex(raw, "/")
	if idx <= len("https://") || idx == len(raw)-1 {
		return "", "", fmt.Errorf("container URL %q: want https://<account>.blob.core.windows.net/<container>", raw)
	}
	return raw[:idx], raw[idx+1:], nil
}

var _ tracking.Mirror = (*AzureMirror)(nil)

// localMirror implements tracking.Mirror on a plain directory. Tests and
// air-gapped setups use it in place of the Azure mirror.
type localMirror struct {
	root string
}

// NewLocalMirror returns a Mirror backed by a directory tree.
func NewLocalMirror(root string) tracking.Mirror {
	return &localMirror{root: root}
}

func (m *localMirror) Restore(_ context.Context, remotePath, localPath string, isDir bool) (bool, error) {
	src := filepath.Join(m.root, filepath.FromSlash(remotePath))
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if isDir && info.IsDir() {
		return true, copyTree(src, localPath)
	}
	return true, copyFileContents(src, localPath)
}

func (m *localMirror) Backup(_ context.Context, localPath, remotePath string, isDir bool) (bool, error) {
	dst := filepath.Join(m.root, filepath.FromSlash(remotePath))
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if isDir && info.IsDir() {
		return true, copyTree(localPath, dst)
	}
	return true, copyFileContents(localPath, dst)
}
