package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// Cloudinary は Cloudinary へアップロードする Uploader です。
type Cloudinary struct {
	cld *cloudinary.Cloudinary
}

// NewCloudinary は認証情報から Cloudinary クライアントを作成します。
func NewCloudinary(cloudName, apiKey, apiSecret string) (*Cloudinary, error) {
	if cloudName == "" || apiKey == "" || apiSecret == "" {
		return nil, errors.New("cloudinary credentials are required")
	}
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	return &Cloudinary{cld: cld}, nil
}

// Upload は path を公開・上書き・CDN 無効化付きでアップロードします。
func (c *Cloudinary) Upload(ctx context.Context, path string, opts UploadOptions) (*Object, error) {
	resp, err := c.cld.Upload.Upload(ctx, path, uploadParams(opts))
	if err != nil {
		return nil, fmt.Errorf("cloudinary upload: %w", err)
	}
	if resp.Error.Message != "" {
		return nil, fmt.Errorf("cloudinary upload: %s", resp.Error.Message)
	}
	if resp.SecureURL == "" && resp.URL == "" {
		return nil, errors.New("cloudinary upload: response has no URL")
	}
	return &Object{
		URL:          resp.URL,
		SecureURL:    resp.SecureURL,
		PublicID:     resp.PublicID,
		Bytes:        int64(resp.Bytes),
		CreatedAt:    resp.CreatedAt,
		ResourceType: resp.ResourceType,
	}, nil
}

// uploadParams は公開配信 (type=upload)・上書き・CDN 無効化付きのパラメーターを返します。
func uploadParams(opts UploadOptions) uploader.UploadParams {
	resourceType := opts.ResourceType
	if resourceType == "" {
		resourceType = ResourceImage
	}
	return uploader.UploadParams{
		PublicID:     opts.PublicID,
		ResourceType: resourceType,
		Type:         api.Upload,
		Format:       opts.Format,
		Overwrite:    api.Bool(true),
		Invalidate:   api.Bool(true),
	}
}
