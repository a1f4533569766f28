package image

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/pkg/apierr"
)

// LocalService keeps the image catalog as JSON metadata files under a
// directory, one per image.
type LocalService struct {
	mu   sync.Mutex
	path string
}

// NewLocalService creates (if needed) and opens the catalog directory.
func NewLocalService(path string) (*LocalService, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating images dir: %w", err)
	}
	return &LocalService{path: path}, nil
}

func (s *LocalService) metaPath(id string) string {
	return filepath.Join(s.path, id+".json")
}

func (s *LocalService) List(_ context.Context, rc *auth.RequestContext) ([]Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading images dir: %w", err)
	}
	var images []Image
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		img, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if img.Accessible(rc) {
			images = append(images, *img)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	return images, nil
}

func (s *LocalService) Get(_ context.Context, rc *auth.RequestContext, id string) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if !img.Accessible(rc) {
		return nil, apierr.NotFound("InvalidAMIID.NotFound", "image %s not found", id)
	}
	return img, nil
}

func (s *LocalService) Register(_ context.Context, rc *auth.RequestContext, location, container string) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if container == "" {
		container = ContainerMachine
	}
	id := newImageID(container)
	for {
		if _, err := os.Stat(s.metaPath(id)); os.IsNotExist(err) {
			break
		}
		id = newImageID(container)
	}
	img := &Image{
		ID:        id,
		Location:  location,
		OwnerID:   rc.UserID,
		ProjectID: rc.ProjectID,
		Container: container,
		State:     StateAvailable,
	}
	if err := s.write(img); err != nil {
		return nil, err
	}
	return img, nil
}

func (s *LocalService) Deregister(_ context.Context, rc *auth.RequestContext, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.read(id)
	if err != nil {
		return err
	}
	if !img.Accessible(rc) {
		return apierr.NotFound("InvalidAMIID.NotFound", "image %s not found", id)
	}
	if err := os.Remove(s.metaPath(id)); err != nil {
		return fmt.Errorf("removing image metadata: %w", err)
	}
	return nil
}

func (s *LocalService) SetPublic(_ context.Context, rc *auth.RequestContext, id string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, err := s.read(id)
	if err != nil {
		return err
	}
	if !img.Accessible(rc) {
		return apierr.NotFound("InvalidAMIID.NotFound", "image %s not found", id)
	}
	img.Public = public
	return s.write(img)
}

func (s *LocalService) read(id string) (*Image, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.NotFound("InvalidAMIID.NotFound", "image %s not found", id)
		}
		return nil, fmt.Errorf("reading image metadata: %w", err)
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", id, err)
	}
	return &img, nil
}

func (s *LocalService) write(img *Image) error {
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding image %s: %w", img.ID, err)
	}
	if err := os.WriteFile(s.metaPath(img.ID), data, 0o644); err != nil {
		return fmt.Errorf("writing image metadata: %w", err)
	}
	return nil
}

var imageCounter struct {
	mu sync.Mutex
	n  int64
}

func newImageID(container string) string {
	imageCounter.mu.Lock()
	imageCounter.n++
	n := imageCounter.n
	imageCounter.mu.Unlock()
	return fmt.Sprintf("%s-%08x", container, n)
}

var _ Service = (*LocalService)(nil)
