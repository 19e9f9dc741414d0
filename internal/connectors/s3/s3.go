// Package s3 implements the object-store connector on minio-go. A dataset
// locator is `bucket/prefix`; objects under the prefix are parquet or CSV
// files, optionally laid out with hive-style partition directories that the
// scan prunes with pushed-down partition predicates.
package s3

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"helios-runtime/internal/connectors"
	"helios-runtime/internal/connectors/file"
	rterrors "helios-runtime/internal/errors"
	"helios-runtime/internal/params"
)

// Prefix is the connector prefix.
const Prefix = "s3"

// Factory creates S3 connectors.
type Factory struct{}

// Prefix implements connectors.Factory.
func (Factory) Prefix() string { return Prefix }

// ParameterSpecs implements connectors.Factory.
func (Factory) ParameterSpecs() []params.Spec {
	return []params.Spec{
		params.Spec{Name: "endpoint", Scope: params.ScopeComponent}.WithDefault("s3.amazonaws.com"),
		{Name: "region", Scope: params.ScopeComponent},
		{Name: "key", Scope: params.ScopeComponent, Secret: true},
		{Name: "secret", Scope: params.ScopeComponent, Secret: true},
		params.Spec{Name: "secure", Scope: params.ScopeComponent}.WithDefault("true"),
		params.Spec{Name: "file_format", Scope: params.ScopeComponent}.WithDefault(""),
	}
}

// Create implements connectors.Factory.
func (Factory) Create(_ context.Context, p *params.Parameters) (connectors.DataConnector, error) {
	opts := &minio.Options{
		Secure: p.Get("secure").Expose() != "false",
		Region: p.Get("region").Expose(),
	}
	if key := p.Get("key"); key.Present() {
		opts.Creds = credentials.NewStaticV4(key.Expose(), p.Get("secret").Expose(), "")
	} else {
		opts.Creds = credentials.NewIAM("")
	}
	client, err := minio.New(p.Get("endpoint").Expose(), opts)
	if err != nil {
		return nil, rterrors.Unavailable("S3_CONNECT", "failed to create object store client").
			WithCause(err).Build()
	}
	return &Connector{client: client, format: p.Get("file_format").Expose()}, nil
}

// Connector holds the object-store client.
type Connector struct {
	client *minio.Client
	format string
}

// ReadProvider implements connectors.DataConnector. Matching objects are
// staged into a scratch directory and served through the file connector's
// fragment reader, which keeps partition pruning identical across both.
func (c *Connector) ReadProvider(_ context.Context, dataset connectors.Dataset) (connectors.TableProvider, error) {
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(dataset.Locator(), "//"), "/")
	if bucket == "" {
		return nil, rterrors.InvalidArgument("BAD_LOCATOR",
			"s3 locator must be bucket/prefix").WithResource(dataset.Name).Build()
	}
	return &Provider{
		client: c.client,
		bucket: bucket,
		prefix: prefix,
		format: c.format,
	}, nil
}

// Provider plans scans over objects under one bucket prefix.
type Provider struct {
	client *minio.Client
	bucket string
	prefix string
	format string

	stagedDir string
}

// stage downloads matching objects into a scratch directory, preserving the
// partition path layout, then delegates to the local file provider.
func (p *Provider) stage(ctx context.Context) (connectors.TableProvider, error) {
	if p.stagedDir == "" {
		dir, err := os.MkdirTemp("", "helios-s3-*")
		if err != nil {
			return nil, rterrors.Internal("S3_STAGE", "failed to create staging directory").WithCause(err).Build()
		}
		for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
			Prefix:    p.prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				return nil, rterrors.Unavailable("S3_LIST", "object listing failed").WithCause(obj.Err).Build()
			}
			if !isDataObject(obj.Key) {
				continue
			}
			if err := p.download(ctx, dir, obj.Key); err != nil {
				return nil, err
			}
		}
		p.stagedDir = dir
	}

	conn := &file.Connector{}
	return conn.ReadProvider(ctx, connectors.Dataset{
		Name: p.bucket + "/" + p.prefix,
		From: file.Prefix + ":" + p.stagedDir,
	})
}

func (p *Provider) download(ctx context.Context, dir, key string) error {
	rel := strings.TrimPrefix(strings.TrimPrefix(key, p.prefix), "/")
	dest := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return rterrors.Internal("S3_STAGE", "failed to create partition directory").WithCause(err).Build()
	}
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return rterrors.Unavailable("S3_GET", "failed to fetch object").WithResource(key).WithCause(err).Build()
	}
	defer obj.Close()
	out, err := os.Create(dest)
	if err != nil {
		return rterrors.Internal("S3_STAGE", "failed to create staged file").WithCause(err).Build()
	}
	defer out.Close()
	if _, err := io.Copy(out, obj); err != nil {
		return rterrors.Unavailable("S3_GET", "failed to download object").WithResource(key).WithCause(err).Build()
	}
	return nil
}

func isDataObject(key string) bool {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".parquet", ".csv":
		return true
	default:
		return false
	}
}

// Schema implements connectors.TableProvider.
func (p *Provider) Schema(ctx context.Context) (*arrow.Schema, error) {
	inner, err := p.stage(ctx)
	if err != nil {
		return nil, err
	}
	return inner.Schema(ctx)
}

// PushdownSupport implements connectors.TableProvider.
func (p *Provider) PushdownSupport(filters []connectors.Filter) []connectors.PushdownKind {
	kinds := make([]connectors.PushdownKind, len(filters))
	for i := range kinds {
		kinds[i] = connectors.PushdownInexact
	}
	return kinds
}

// Scan implements connectors.TableProvider.
func (p *Provider) Scan(ctx context.Context, req connectors.ScanRequest) (connectors.BatchStream, error) {
	inner, err := p.stage(ctx)
	if err != nil {
		return nil, err
	}
	return inner.Scan(ctx, req)
}
