package github

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	gogithub "github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"
)

// Client exposes the subset of GitHub functionality the release transfer agent needs.
type Client interface {
	EnsureRelease(ctx context.Context, tag string) (int64, error)
	UploadReleaseAsset(ctx context.Context, releaseID int64, name string, file *os.File) (int64, error)
}

// ReleaseClient is the default implementation backed by the GitHub REST API.
type ReleaseClient struct {
	client *gogithub.Client
	owner  string
	repo   string
}

// NewReleaseClient creates a GitHub client using a static access token.
func NewReleaseClient(token, owner, repo string) *ReleaseClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &ReleaseClient{
		client: gogithub.NewClient(tc),
		owner:  owner,
		repo:   repo,
	}
}

// EnsureRelease fetches or creates the release for tag and returns its id.
func (c *ReleaseClient) EnsureRelease(ctx context.Context, tag string) (int64, error) {
	release, _, err := c.client.Repositories.GetReleaseByTag(ctx, c.owner, c.repo, tag)
	if err == nil {
		return release.GetID(), nil
	}
	if !isNotFound(err) {
		return 0, err
	}

	req := &gogithub.RepositoryRelease{
		TagName: gogithub.String(tag),
		Name:    gogithub.String(tag),
		Body:    gogithub.String("Audio uploads awaiting processing"),
	}
	release, _, err = c.client.Repositories.CreateRelease(ctx, c.owner, c.repo, req)
	if err != nil {
		return 0, err
	}
	return release.GetID(), nil
}

// UploadReleaseAsset uploads a file as an asset of the release.
func (c *ReleaseClient) UploadReleaseAsset(ctx context.Context, releaseID int64, name string, file *os.File) (int64, error) {
	opts := &gogithub.UploadOptions{Name: name, MediaType: ContentTypeFromName(name)}
	asset, _, err := c.client.Repositories.UploadReleaseAsset(ctx, c.owner, c.repo, releaseID, opts, file)
	if err != nil {
		return 0, err
	}
	return asset.GetID(), nil
}

func isNotFound(err error) bool {
	var ghErr *gogithub.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// ContentTypeFromName infers content-type from filename when possible.
func ContentTypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
