// Package memory provides an in-process shop used by tests, the CLI demo
// mode and failure injection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

// ErrImageNotFound is returned when downloading an unknown image
var ErrImageNotFound = errors.New("remote image not found")

type storedImage struct {
	image   mediasync.RemoteImage
	assetID uuid.UUID
	data    []byte
}

// Shop is an in-memory mediasync.ShopClient.
type Shop struct {
	name string

	mu       sync.Mutex
	products map[string][]*storedImage
	nextID   int

	bulkErr        error
	partialOnError bool
	coverErr       error
	listErr        error
	uploadErrs     map[uuid.UUID]error
	downloadErrs   map[string]error
	bulkCalls      int
}

// New creates an empty shop
func New(name string) *Shop {
	return &Shop{
		name:         name,
		products:     make(map[string][]*storedImage),
		nextID:       1,
		uploadErrs:   make(map[uuid.UUID]error),
		downloadErrs: make(map[string]error),
	}
}

// AddImage seeds an image on a product and returns its remote id
func (s *Shop) AddImage(ownerRemoteID string, data []byte, mimeType string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ownerRemoteID, uuid.Nil, data, mimeType, false).image.ID
}

func (s *Shop) addLocked(ownerRemoteID string, assetID uuid.UUID, data []byte, mimeType string, cover bool) *storedImage {
	id := strconv.Itoa(s.nextID)
	s.nextID++
	img := &storedImage{
		image: mediasync.RemoteImage{
			ID:       id,
			URL:      fmt.Sprintf("memory://%s/products/%s/images/%s", s.name, ownerRemoteID, id),
			Position: len(s.products[ownerRemoteID]),
			Cover:    cover,
			MimeType: mimeType,
		},
		assetID: assetID,
		data:    append([]byte(nil), data...),
	}
	s.products[ownerRemoteID] = append(s.products[ownerRemoteID], img)
	return img
}

// RemoveImage deletes an image from a product, the way a shop admin would.
// It reports whether the image existed.
func (s *Shop) RemoveImage(ownerRemoteID, imageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	imgs := s.products[ownerRemoteID]
	for i, img := range imgs {
		if img.image.ID == imageID {
			s.products[ownerRemoteID] = append(imgs[:i:i], imgs[i+1:]...)
			return true
		}
	}
	return false
}

// FailBulk makes every following bulk upload return err. With partial set,
// the first half of the batch is stored before the error is returned, the
// way a timeout after partial network delivery behaves.
func (s *Shop) FailBulk(err error, partial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkErr = err
	s.partialOnError = partial
}

// FailUpload makes the upload of one asset fail inside an otherwise healthy batch
func (s *Shop) FailUpload(assetID uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadErrs[assetID] = err
}

// FailCover makes SetCoverImage return err
func (s *Shop) FailCover(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coverErr = err
}

// FailList makes ListImages return err
func (s *Shop) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// FailDownload makes downloading one remote image fail
func (s *Shop) FailDownload(imageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadErrs[imageID] = err
}

// BulkCalls returns how many bulk uploads were received
func (s *Shop) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

// Cover returns the remote id of the product's cover image
func (s *Shop) Cover(ownerRemoteID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.products[ownerRemoteID] {
		if img.image.Cover {
			return img.image.ID
		}
	}
	return ""
}

// ImageCount returns how many images the product has
func (s *Shop) ImageCount(ownerRemoteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products[ownerRemoteID])
}

func (s *Shop) BulkUploadImages(ctx context.Context, ownerRemoteID string, images []mediasync.UploadImage) (*mediasync.BulkUploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++

	if s.bulkErr != nil {
		if s.partialOnError {
			for _, img := range images[:len(images)/2] {
				s.addLocked(ownerRemoteID, img.AssetID, img.Data, img.MimeType, false)
			}
		}
		return nil, s.bulkErr
	}

	result := &mediasync.BulkUploadResult{}
	for _, img := range images {
		if err := s.uploadErrs[img.AssetID]; err != nil {
			result.Errors = append(result.Errors, mediasync.UploadFailure{AssetID: img.AssetID, Error: err.Error()})
			result.Skipped = append(result.Skipped, img.AssetID)
			continue
		}
		stored := s.addLocked(ownerRemoteID, img.AssetID, img.Data, img.MimeType, false)
		result.Uploaded = append(result.Uploaded, mediasync.UploadedImage{AssetID: img.AssetID, RemoteID: stored.image.ID})
	}
	return result, nil
}

func (s *Shop) SetCoverImage(ctx context.Context, ownerRemoteID, imageRemoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coverErr != nil {
		return s.coverErr
	}
	found := false
	for _, img := range s.products[ownerRemoteID] {
		img.image.Cover = img.image.ID == imageRemoteID
		found = found || img.image.Cover
	}
	if !found {
		return ErrImageNotFound
	}
	return nil
}

func (s *Shop) ListImages(ctx context.Context, ownerRemoteID string) ([]mediasync.RemoteImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]mediasync.RemoteImage, 0, len(s.products[ownerRemoteID]))
	for _, img := range s.products[ownerRemoteID] {
		out = append(out, img.image)
	}
	return out, nil
}

func (s *Shop) DownloadImage(ctx context.Context, image mediasync.RemoteImage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.downloadErrs[image.ID]; err != nil {
		return nil, err
	}
	for _, imgs := range s.products {
		for _, img := range imgs {
			if img.image.ID == image.ID {
				return append([]byte(nil), img.data...), nil
			}
		}
	}
	return nil, ErrImageNotFound
}

var _ mediasync.ShopClient = (*Shop)(nil)
