// Package gridfs implements the blob store on MongoDB GridFS. Raw CFDI
// documents and credential files routinely exceed what belongs in a SQL
// row, and GridFS gives path-addressable storage with streaming.
package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
)

// Config holds GridFS connection settings.
type Config struct {
	URI      string
	Database string
	// Bucket names the GridFS bucket, "blobs" when empty.
	Bucket string
}

// Store is a storage.BlobStore backed by GridFS. Blobs are addressed by
// their reference path; re-uploads supersede earlier revisions.
type Store struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// New connects to MongoDB and prepares the bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	name := cfg.Bucket
	if name == "" {
		name = "blobs"
	}
	bucket, err := gridfs.NewBucket(client.Database(cfg.Database),
		options.GridFSBucket().SetName(name))
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("creating gridfs bucket: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

func (s *Store) PutBlob(ctx context.Context, ref string, data []byte, contentType string) error {
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"contentType": contentType,
		"uploadedAt":  time.Now().UTC(),
	})
	stream, err := s.bucket.OpenUploadStream(ref, uploadOpts)
	if err != nil {
		return fmt.Errorf("opening upload stream: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return fmt.Errorf("writing blob %q: %w", ref, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("finalizing blob %q: %w", ref, err)
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(ref)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", ref, err)
	}
	return data, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
